package playthrough

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/theLastOfCats/audiosync/internal/model"
	"github.com/theLastOfCats/audiosync/internal/store"
)

// LegacyTable is the single-row-per-media progress table written by old
// releases.
const LegacyTable = "player_states"

// ErrLegacyMigration wraps any failure converting legacy progress. Partial
// conversion cannot be resumed, so callers must treat it as fatal.
var ErrLegacyMigration = errors.New("legacy player state migration failed")

type legacyState struct {
	serverURL    string
	mediaID      string
	userID       int64
	status       string
	playbackRate float64
	position     float64
	insertedAt   int64
	updatedAt    int64
}

// MigrationResult reports what MigrateLegacy converted.
type MigrationResult struct {
	Ran          bool
	Playthroughs int
	Events       int
}

// MigrateLegacy converts every legacy player state on the device, whatever
// account wrote it, into a playthrough with a synthetic pause event (plus a
// finish event for finished media) and a cache row. Everything is left
// unsynced so the server receives it as new data. The whole conversion and the
// drop of the legacy table share one transaction. It is a no-op when the
// legacy table is absent.
func (l *Log) MigrateLegacy(ctx context.Context) (MigrationResult, error) {
	var res MigrationResult

	ok, err := store.TableExists(ctx, l.db, LegacyTable)
	if err != nil {
		return res, fmt.Errorf("%w: probe: %v", ErrLegacyMigration, err)
	}
	if !ok {
		return res, nil
	}

	err = l.db.WithTx(ctx, func(tx *sql.Tx) error {
		states, err := loadLegacy(ctx, tx)
		if err != nil {
			return err
		}
		for _, st := range states {
			n, err := l.convertLegacy(ctx, tx, st)
			if err != nil {
				return fmt.Errorf("media %s: %w", st.mediaID, err)
			}
			res.Playthroughs++
			res.Events += n
		}
		if _, err := tx.ExecContext(ctx, `DROP TABLE `+LegacyTable); err != nil {
			return fmt.Errorf("failed to drop legacy table: %w", err)
		}
		return nil
	})
	if err != nil {
		return MigrationResult{}, fmt.Errorf("%w: %v", ErrLegacyMigration, err)
	}

	res.Ran = true
	l.logger.Printf("Migrated %d legacy player states (%d events)", res.Playthroughs, res.Events)
	return res, nil
}

func loadLegacy(ctx context.Context, tx *sql.Tx) ([]legacyState, error) {
	rows, err := tx.QueryContext(ctx, `SELECT server_url, media_id, user_id, status, playback_rate, position,
		inserted_at, updated_at FROM `+LegacyTable+` ORDER BY server_url, user_id, media_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to read legacy states: %w", err)
	}
	defer rows.Close()

	var out []legacyState
	for rows.Next() {
		var st legacyState
		if err := rows.Scan(&st.serverURL, &st.mediaID, &st.userID, &st.status, &st.playbackRate, &st.position,
			&st.insertedAt, &st.updatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (l *Log) convertLegacy(ctx context.Context, tx *sql.Tx, st legacyState) (int, error) {
	finished := st.status == string(model.StatusFinished)

	pt := model.Playthrough{
		ID:        uuid.NewString(),
		UserID:    st.userID,
		MediaID:   st.mediaID,
		Status:    model.StatusInProgress,
		StartedAt: st.insertedAt,
		CreatedAt: st.insertedAt,
		UpdatedAt: st.updatedAt,
	}
	if finished {
		pt.Status = model.StatusFinished
		pt.FinishedAt = &st.updatedAt
	}
	if err := insertPlaythrough(ctx, tx, st.serverURL, pt); err != nil {
		return 0, err
	}

	rate := st.playbackRate
	if rate <= 0 {
		rate = 1
	}
	position := st.position

	events := []model.PlaybackEvent{{
		ID:            uuid.NewString(),
		PlaythroughID: pt.ID,
		Type:          model.EventPause,
		Timestamp:     st.updatedAt,
		Position:      &position,
		PlaybackRate:  &rate,
	}}
	if finished {
		events = append(events, model.PlaybackEvent{
			ID:            uuid.NewString(),
			PlaythroughID: pt.ID,
			Type:          model.EventFinish,
			Timestamp:     st.updatedAt,
			Position:      &position,
			PlaybackRate:  &rate,
		})
	}
	for _, ev := range events {
		if err := insertEvent(ctx, tx, st.serverURL, ev); err != nil {
			return 0, err
		}
	}

	if _, err := l.Recompute(ctx, tx, st.serverURL, pt.ID); err != nil {
		return 0, err
	}
	return len(events), nil
}
