// Package library maintains the read-only library replica.
package library

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/theLastOfCats/audiosync/internal/model"
	"github.com/theLastOfCats/audiosync/internal/store"
)

type tableSpec struct {
	entity  string
	table   string
	columns []string
}

// tables is ordered parents first. Tombstones walk it backwards.
var tables = []tableSpec{
	{model.EntityPerson, "people", []string{"id", "name", "description", "thumbnail_path", "inserted_at", "updated_at"}},
	{model.EntityBook, "books", []string{"id", "title", "published", "published_format", "inserted_at", "updated_at"}},
	{model.EntitySeries, "series", []string{"id", "name", "inserted_at", "updated_at"}},
	{model.EntityAuthor, "authors", []string{"id", "person_id", "name", "inserted_at", "updated_at"}},
	{model.EntityNarrator, "narrators", []string{"id", "person_id", "name", "inserted_at", "updated_at"}},
	{model.EntityMedia, "media", []string{"id", "book_id", "status", "description", "duration", "publisher", "published",
		"abridged", "full_cast", "thumbnail_path", "mp4_path", "hls_path", "inserted_at", "updated_at"}},
	{model.EntityBookAuthor, "book_authors", []string{"id", "book_id", "author_id", "inserted_at", "updated_at"}},
	{model.EntitySeriesBook, "series_books", []string{"id", "series_id", "book_id", "book_number", "inserted_at", "updated_at"}},
	{model.EntityMediaNarrator, "media_narrators", []string{"id", "media_id", "narrator_id", "inserted_at", "updated_at"}},
}

func specFor(entity string) (tableSpec, bool) {
	for _, t := range tables {
		if t.entity == entity {
			return t, true
		}
	}
	return tableSpec{}, false
}

// upsertSQL writes a row when it is newer than the replica's copy, or equally
// new but different. Rewriting an identical row affects nothing, so replays
// are not counted as changes.
func (t tableSpec) upsertSQL() string {
	cols := append([]string{"server_url"}, t.columns...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	sets := make([]string, 0, len(t.columns)-1)
	diffs := make([]string, 0, len(t.columns)-1)
	for _, c := range t.columns {
		if c == "id" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		if c != "updated_at" {
			diffs = append(diffs, fmt.Sprintf("%s.%s IS NOT excluded.%s", t.table, c, c))
		}
	}

	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)
		ON CONFLICT(server_url, id) DO UPDATE SET %s
		WHERE excluded.updated_at > %s.updated_at
			OR (excluded.updated_at = %s.updated_at AND (%s))`,
		t.table, strings.Join(cols, ", "), placeholders, strings.Join(sets, ", "), t.table,
		t.table, strings.Join(diffs, " OR "))
}

// rows flattens the payload per entity type, values in column order.
func rows(c *model.LibraryChanges) map[string][][]any {
	out := make(map[string][][]any, len(tables))
	for _, p := range c.People {
		out[model.EntityPerson] = append(out[model.EntityPerson],
			[]any{p.ID, p.Name, p.Description, p.ThumbnailPath, p.InsertedAt, p.UpdatedAt})
	}
	for _, b := range c.Books {
		out[model.EntityBook] = append(out[model.EntityBook],
			[]any{b.ID, b.Title, b.Published, b.PublishedFormat, b.InsertedAt, b.UpdatedAt})
	}
	for _, s := range c.Series {
		out[model.EntitySeries] = append(out[model.EntitySeries],
			[]any{s.ID, s.Name, s.InsertedAt, s.UpdatedAt})
	}
	for _, a := range c.Authors {
		out[model.EntityAuthor] = append(out[model.EntityAuthor],
			[]any{a.ID, a.PersonID, a.Name, a.InsertedAt, a.UpdatedAt})
	}
	for _, n := range c.Narrators {
		out[model.EntityNarrator] = append(out[model.EntityNarrator],
			[]any{n.ID, n.PersonID, n.Name, n.InsertedAt, n.UpdatedAt})
	}
	for _, m := range c.Media {
		out[model.EntityMedia] = append(out[model.EntityMedia],
			[]any{m.ID, m.BookID, m.Status, m.Description, m.Duration, m.Publisher, m.Published,
				m.Abridged, m.FullCast, m.ThumbnailPath, m.MP4Path, m.HLSPath, m.InsertedAt, m.UpdatedAt})
	}
	for _, ba := range c.BookAuthors {
		out[model.EntityBookAuthor] = append(out[model.EntityBookAuthor],
			[]any{ba.ID, ba.BookID, ba.AuthorID, ba.InsertedAt, ba.UpdatedAt})
	}
	for _, sb := range c.SeriesBooks {
		out[model.EntitySeriesBook] = append(out[model.EntitySeriesBook],
			[]any{sb.ID, sb.SeriesID, sb.BookID, sb.BookNumber, sb.InsertedAt, sb.UpdatedAt})
	}
	for _, mn := range c.MediaNarrators {
		out[model.EntityMediaNarrator] = append(out[model.EntityMediaNarrator],
			[]any{mn.ID, mn.MediaID, mn.NarratorID, mn.InsertedAt, mn.UpdatedAt})
	}
	return out
}

// ApplyStats summarizes one Apply call.
type ApplyStats struct {
	Upserted int
	Skipped  int
	Deleted  int
}

// Writer applies library change sets to the replica.
type Writer struct {
	logger *log.Logger
}

func NewWriter(logger *log.Logger) *Writer {
	if logger == nil {
		logger = log.New(os.Stderr, "[library] ", log.LstdFlags)
	}
	return &Writer{logger: logger}
}

// Apply writes tombstones children first, then upserts parents first. It must
// run inside the caller's transaction; applying the same payload twice leaves
// the replica unchanged.
func (w *Writer) Apply(ctx context.Context, tx *sql.Tx, serverURL string, changes *model.LibraryChanges) (ApplyStats, error) {
	var stats ApplyStats

	byType := make(map[string][]string)
	for _, ts := range changes.Deletions {
		if _, ok := specFor(ts.EntityType); !ok {
			w.logger.Printf("WARNING: ignoring tombstone for unknown entity type %q (id %s)", ts.EntityType, ts.ID)
			continue
		}
		byType[ts.EntityType] = append(byType[ts.EntityType], ts.ID)
	}
	for i := len(tables) - 1; i >= 0; i-- {
		t := tables[i]
		ids := byType[t.entity]
		if len(ids) == 0 {
			continue
		}
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE server_url = ? AND id = ?`, t.table))
		if err != nil {
			return stats, fmt.Errorf("failed to prepare delete for %s: %w", t.table, err)
		}
		for _, id := range ids {
			res, err := stmt.ExecContext(ctx, serverURL, id)
			if err != nil {
				stmt.Close()
				return stats, fmt.Errorf("failed to delete %s %s: %w", t.entity, id, err)
			}
			n, _ := res.RowsAffected()
			stats.Deleted += int(n)
		}
		stmt.Close()
	}

	all := rows(changes)
	for _, t := range tables {
		entityRows := all[t.entity]
		if len(entityRows) == 0 {
			continue
		}
		stmt, err := tx.PrepareContext(ctx, t.upsertSQL())
		if err != nil {
			return stats, fmt.Errorf("failed to prepare upsert for %s: %w", t.table, err)
		}
		for _, row := range entityRows {
			args := append([]any{serverURL}, row...)
			res, err := stmt.ExecContext(ctx, args...)
			if err != nil {
				stmt.Close()
				return stats, fmt.Errorf("failed to upsert %s %v: %w", t.entity, row[0], err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				stats.Upserted++
			} else {
				stats.Skipped++
			}
		}
		stmt.Close()
	}

	return stats, nil
}

// Counts returns the number of replica rows per table for serverURL.
func Counts(ctx context.Context, q store.Querier, serverURL string) (map[string]int, error) {
	out := make(map[string]int, len(tables))
	for _, t := range tables {
		var n int
		err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE server_url = ?`, t.table), serverURL).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", t.table, err)
		}
		out[t.table] = n
	}
	return out, nil
}
