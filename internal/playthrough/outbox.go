package playthrough

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/theLastOfCats/audiosync/internal/model"
	"github.com/theLastOfCats/audiosync/internal/store"
)

// PendingIDs lists playthroughs that have anything awaiting push: the
// playthrough row itself, or at least one unsynced event.
func PendingIDs(ctx context.Context, q store.Querier, serverURL string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id FROM playthroughs
		WHERE server_url = ? AND (synced_at IS NULL OR updated_at > synced_at)
		UNION
		SELECT playthrough_id FROM playback_events
		WHERE server_url = ? AND synced_at IS NULL
		ORDER BY 1`, serverURL, serverURL)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending playthroughs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadBatch builds the push unit for one playthrough: the playthrough as it is
// now and every unsynced event it owns.
func LoadBatch(ctx context.Context, q store.Querier, serverURL, playthroughID string) (model.PlaythroughBatch, error) {
	var batch model.PlaythroughBatch

	pt, err := Get(ctx, q, serverURL, playthroughID)
	if err != nil {
		return batch, err
	}
	batch.Playthrough = &pt

	rows, err := q.QueryContext(ctx, `SELECT id, playthrough_id, device_id, type, timestamp, position, playback_rate,
		from_position, to_position, synced_at
		FROM playback_events WHERE server_url = ? AND playthrough_id = ? AND synced_at IS NULL
		ORDER BY timestamp, rowid`, serverURL, playthroughID)
	if err != nil {
		return batch, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	batch.Events, err = scanEvents(rows)
	if err != nil {
		return batch, fmt.Errorf("failed to scan pending events: %w", err)
	}
	return batch, nil
}

// MarkResult counts rows acknowledged by MarkSynced.
type MarkResult struct {
	Playthrough bool
	Events      int
}

// MarkSynced records a successful push. A playthrough's synced_at is set to
// the updated_at that was sent, and only while the row still carries it; a
// row edited while the request was in flight stays pending for the next
// cycle. Local edits always move updated_at forward, so updated_at >
// synced_at holds for every unpushed edit regardless of the wall clock.
// Events are stamped with syncedAt.
func MarkSynced(ctx context.Context, tx *sql.Tx, serverURL string, batch model.PlaythroughBatch, syncedAt int64) (MarkResult, error) {
	var res MarkResult

	if pt := batch.Playthrough; pt != nil {
		r, err := tx.ExecContext(ctx, `UPDATE playthroughs SET synced_at = updated_at
			WHERE server_url = ? AND id = ? AND updated_at = ?`, serverURL, pt.ID, pt.UpdatedAt)
		if err != nil {
			return res, fmt.Errorf("failed to mark playthrough synced: %w", err)
		}
		n, _ := r.RowsAffected()
		res.Playthrough = n > 0
	}

	for _, ev := range batch.Events {
		r, err := tx.ExecContext(ctx, `UPDATE playback_events SET synced_at = ?
			WHERE server_url = ? AND id = ? AND synced_at IS NULL`, syncedAt, serverURL, ev.ID)
		if err != nil {
			return res, fmt.Errorf("failed to mark event synced: %w", err)
		}
		n, _ := r.RowsAffected()
		res.Events += int(n)
	}
	return res, nil
}

// MergeRemote applies pulled user data. Playthroughs are last-write-wins by
// updated_at; events are inserted once by id. Every touched playthrough's
// cache is recomputed before returning.
func (l *Log) MergeRemote(ctx context.Context, tx *sql.Tx, serverURL string, changes *model.UserChanges) ([]string, error) {
	touched := make(map[string]struct{})

	for _, pt := range changes.Playthroughs {
		syncedAt := pt.UpdatedAt
		_, err := tx.ExecContext(ctx, `INSERT INTO playthroughs
			(server_url, id, user_id, media_id, status, started_at, finished_at, abandoned_at, deleted_at, created_at, updated_at, synced_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(server_url, id) DO UPDATE SET
				status = excluded.status,
				finished_at = excluded.finished_at,
				abandoned_at = excluded.abandoned_at,
				deleted_at = excluded.deleted_at,
				updated_at = excluded.updated_at,
				synced_at = excluded.synced_at
			WHERE excluded.updated_at > playthroughs.updated_at`,
			serverURL, pt.ID, pt.UserID, pt.MediaID, string(pt.Status), pt.StartedAt, pt.FinishedAt, pt.AbandonedAt,
			pt.DeletedAt, pt.CreatedAt, pt.UpdatedAt, syncedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to merge playthrough %s: %w", pt.ID, err)
		}
		touched[pt.ID] = struct{}{}
	}

	for _, ev := range changes.Events {
		synced := changes.ServerTime
		ev.SyncedAt = &synced
		if err := insertEvent(ctx, tx, serverURL, ev); err != nil {
			return nil, err
		}
		touched[ev.PlaythroughID] = struct{}{}
	}

	ids := make([]string, 0, len(touched))
	for id := range touched {
		_, err := l.Recompute(ctx, tx, serverURL, id)
		if errors.Is(err, ErrNotFound) {
			// Events may arrive for a playthrough this replica has never seen.
			l.logger.Printf("WARNING: skipping recompute for %s: %v", id, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
