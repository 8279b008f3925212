package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/theLastOfCats/audiosync/internal/model"
)

type libraryRow struct {
	entity    string
	id        string
	updatedAt int64
	payload   any
}

func libraryRows(c *model.LibraryChanges) []libraryRow {
	var rows []libraryRow
	for _, v := range c.People {
		rows = append(rows, libraryRow{model.EntityPerson, v.ID, v.UpdatedAt, v})
	}
	for _, v := range c.Books {
		rows = append(rows, libraryRow{model.EntityBook, v.ID, v.UpdatedAt, v})
	}
	for _, v := range c.Series {
		rows = append(rows, libraryRow{model.EntitySeries, v.ID, v.UpdatedAt, v})
	}
	for _, v := range c.Authors {
		rows = append(rows, libraryRow{model.EntityAuthor, v.ID, v.UpdatedAt, v})
	}
	for _, v := range c.Narrators {
		rows = append(rows, libraryRow{model.EntityNarrator, v.ID, v.UpdatedAt, v})
	}
	for _, v := range c.Media {
		rows = append(rows, libraryRow{model.EntityMedia, v.ID, v.UpdatedAt, v})
	}
	for _, v := range c.BookAuthors {
		rows = append(rows, libraryRow{model.EntityBookAuthor, v.ID, v.UpdatedAt, v})
	}
	for _, v := range c.SeriesBooks {
		rows = append(rows, libraryRow{model.EntitySeriesBook, v.ID, v.UpdatedAt, v})
	}
	for _, v := range c.MediaNarrators {
		rows = append(rows, libraryRow{model.EntityMediaNarrator, v.ID, v.UpdatedAt, v})
	}
	return rows
}

// appendEntity decodes one stored payload into its slice of c.
func appendEntity(c *model.LibraryChanges, entity string, payload []byte) error {
	var err error
	switch entity {
	case model.EntityPerson:
		c.People, err = decodeAppend(c.People, payload)
	case model.EntityBook:
		c.Books, err = decodeAppend(c.Books, payload)
	case model.EntitySeries:
		c.Series, err = decodeAppend(c.Series, payload)
	case model.EntityAuthor:
		c.Authors, err = decodeAppend(c.Authors, payload)
	case model.EntityNarrator:
		c.Narrators, err = decodeAppend(c.Narrators, payload)
	case model.EntityMedia:
		c.Media, err = decodeAppend(c.Media, payload)
	case model.EntityBookAuthor:
		c.BookAuthors, err = decodeAppend(c.BookAuthors, payload)
	case model.EntitySeriesBook:
		c.SeriesBooks, err = decodeAppend(c.SeriesBooks, payload)
	case model.EntityMediaNarrator:
		c.MediaNarrators, err = decodeAppend(c.MediaNarrators, payload)
	default:
		return fmt.Errorf("unknown entity type %q", entity)
	}
	return err
}

func decodeAppend[T any](s []T, payload []byte) ([]T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return s, err
	}
	return append(s, v), nil
}

// ApplyLibrary stores an admin change set. Rows older than what is stored are
// skipped; deletions leave a tombstone and re-adding an entity clears it.
func (db *DB) ApplyLibrary(ctx context.Context, c *model.LibraryChanges, now int64) error {
	upsert := db.upsertSQL("library_entities",
		[]string{"entity_type", "id"},
		[]string{"entity_type", "id", "payload", "server_updated_at", "updated_at"},
		"updated_at", true)
	tombstone := db.upsertSQL("deleted_entities",
		[]string{"entity_type", "id"},
		[]string{"entity_type", "id", "deleted_at"},
		"deleted_at", true)

	return db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, row := range libraryRows(c) {
			payload, err := json.Marshal(row.payload)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, upsert, row.entity, row.id, string(payload), now, row.updatedAt); err != nil {
				return fmt.Errorf("failed to store %s %s: %w", row.entity, row.id, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM deleted_entities WHERE entity_type = ? AND id = ?`,
				row.entity, row.id); err != nil {
				return err
			}
		}

		for _, d := range c.Deletions {
			if _, err := tx.ExecContext(ctx, `DELETE FROM library_entities WHERE entity_type = ? AND id = ?`,
				d.EntityType, d.ID); err != nil {
				return fmt.Errorf("failed to delete %s %s: %w", d.EntityType, d.ID, err)
			}
			if _, err := tx.ExecContext(ctx, tombstone, d.EntityType, d.ID, now); err != nil {
				return fmt.Errorf("failed to record deletion of %s %s: %w", d.EntityType, d.ID, err)
			}
		}
		return nil
	})
}

// LibraryChangesSince returns entities and tombstones stored after since. A
// nil since returns the whole library and no tombstones.
func (db *DB) LibraryChangesSince(ctx context.Context, since *int64, now int64) (*model.LibraryChanges, error) {
	changes := &model.LibraryChanges{ServerTime: now}

	var after int64 = -1
	if since != nil {
		after = *since
	}

	rows, err := db.QueryContext(ctx, `SELECT entity_type, payload FROM library_entities
		WHERE server_updated_at > ? ORDER BY entity_type, id`, after)
	if err != nil {
		return nil, fmt.Errorf("failed to query library: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var entity string
		var payload []byte
		if err := rows.Scan(&entity, &payload); err != nil {
			return nil, err
		}
		if err := appendEntity(changes, entity, payload); err != nil {
			return nil, fmt.Errorf("bad stored %s: %w", entity, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if since == nil {
		return changes, nil
	}
	drows, err := db.QueryContext(ctx, `SELECT entity_type, id, deleted_at FROM deleted_entities
		WHERE deleted_at > ? ORDER BY deleted_at`, after)
	if err != nil {
		return nil, fmt.Errorf("failed to query deletions: %w", err)
	}
	defer drows.Close()
	for drows.Next() {
		var t model.Tombstone
		if err := drows.Scan(&t.EntityType, &t.ID, &t.DeletedAt); err != nil {
			return nil, err
		}
		changes.Deletions = append(changes.Deletions, t)
	}
	return changes, drows.Err()
}
