package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/theLastOfCats/audiosync/internal/model"
)

var (
	ErrForbidden    = errors.New("playthrough belongs to another user")
	ErrInvalidBatch = errors.New("invalid playthrough batch")
)

const playthroughColumns = `id, user_id, media_id, status, started_at, finished_at, abandoned_at, deleted_at, created_at, updated_at`

const eventColumns = `id, playthrough_id, device_id, type, timestamp, position, playback_rate, from_position, to_position`

func validateBatch(batch model.PlaythroughBatch) error {
	pt := batch.Playthrough
	if pt == nil || pt.ID == "" || pt.MediaID == "" {
		return fmt.Errorf("%w: missing playthrough", ErrInvalidBatch)
	}
	for _, ev := range batch.Events {
		if ev.ID == "" {
			return fmt.Errorf("%w: event without id", ErrInvalidBatch)
		}
		if ev.PlaythroughID != pt.ID {
			return fmt.Errorf("%w: event %s belongs to playthrough %s", ErrInvalidBatch, ev.ID, ev.PlaythroughID)
		}
	}
	return nil
}

// PushPlaythrough stores one batch for userID. The playthrough row is taken
// only when its updated_at is newer than the stored one; events are
// append-only and ids already stored are counted as duplicates.
func (db *DB) PushPlaythrough(ctx context.Context, userID int64, batch model.PlaythroughBatch, now int64) (model.PushResult, error) {
	if err := validateBatch(batch); err != nil {
		return model.PushResult{}, err
	}
	pt := batch.Playthrough
	result := model.PushResult{PlaythroughID: pt.ID, ServerTime: now}

	upsert := db.upsertSQL("playthroughs", []string{"id"},
		[]string{"id", "user_id", "media_id", "status", "started_at", "finished_at", "abandoned_at",
			"deleted_at", "created_at", "server_updated_at", "updated_at"},
		"updated_at", false)
	insertEvent := db.insertIgnoreSQL("playback_events",
		[]string{"id", "user_id", "playthrough_id", "device_id", "type", "timestamp", "position",
			"playback_rate", "from_position", "to_position", "server_updated_at"})

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		var owner int64
		err := tx.QueryRowContext(ctx, `SELECT user_id FROM playthroughs WHERE id = ?`, pt.ID).Scan(&owner)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case owner != userID:
			return ErrForbidden
		}

		if _, err := tx.ExecContext(ctx, upsert,
			pt.ID, userID, pt.MediaID, string(pt.Status), pt.StartedAt, pt.FinishedAt, pt.AbandonedAt,
			pt.DeletedAt, pt.CreatedAt, now, pt.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to store playthrough: %w", err)
		}

		for _, ev := range batch.Events {
			res, err := tx.ExecContext(ctx, insertEvent,
				ev.ID, userID, ev.PlaythroughID, ev.DeviceID, string(ev.Type), ev.Timestamp, ev.Position,
				ev.PlaybackRate, ev.FromPosition, ev.ToPosition, now,
			)
			if err != nil {
				return fmt.Errorf("failed to store event %s: %w", ev.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				result.Accepted++
			} else {
				result.Duplicates++
			}
		}
		return nil
	})
	if err != nil {
		return model.PushResult{}, err
	}
	return result, nil
}

// UserChangesSince returns the playthroughs and events of userID stored
// after since, or everything when since is nil.
func (db *DB) UserChangesSince(ctx context.Context, userID int64, since *int64, now int64) (*model.UserChanges, error) {
	changes := &model.UserChanges{
		Playthroughs: []model.Playthrough{},
		Events:       []model.PlaybackEvent{},
		ServerTime:   now,
	}
	var after int64 = -1
	if since != nil {
		after = *since
	}

	rows, err := db.QueryContext(ctx, `SELECT `+playthroughColumns+` FROM playthroughs
		WHERE user_id = ? AND server_updated_at > ? ORDER BY server_updated_at, id`, userID, after)
	if err != nil {
		return nil, fmt.Errorf("failed to query playthroughs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pt model.Playthrough
		var finished, abandoned, deleted sql.NullInt64
		if err := rows.Scan(&pt.ID, &pt.UserID, &pt.MediaID, &pt.Status, &pt.StartedAt,
			&finished, &abandoned, &deleted, &pt.CreatedAt, &pt.UpdatedAt); err != nil {
			return nil, err
		}
		pt.FinishedAt = nullInt(finished)
		pt.AbandonedAt = nullInt(abandoned)
		pt.DeletedAt = nullInt(deleted)
		changes.Playthroughs = append(changes.Playthroughs, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	erows, err := db.QueryContext(ctx, `SELECT `+eventColumns+` FROM playback_events
		WHERE user_id = ? AND server_updated_at > ? ORDER BY timestamp, id`, userID, after)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer erows.Close()
	for erows.Next() {
		var ev model.PlaybackEvent
		var device sql.NullString
		var position, rate, from, to sql.NullFloat64
		if err := erows.Scan(&ev.ID, &ev.PlaythroughID, &device, &ev.Type, &ev.Timestamp,
			&position, &rate, &from, &to); err != nil {
			return nil, err
		}
		if device.Valid {
			ev.DeviceID = &device.String
		}
		ev.Position = nullFloat(position)
		ev.PlaybackRate = nullFloat(rate)
		ev.FromPosition = nullFloat(from)
		ev.ToPosition = nullFloat(to)
		changes.Events = append(changes.Events, ev)
	}
	return changes, erows.Err()
}

// PutPlayerState records a legacy progress row; older updates are ignored.
func (db *DB) PutPlayerState(ctx context.Context, userID int64, state model.PlayerState, now int64) error {
	upsert := db.upsertSQL("player_states", []string{"user_id", "media_id"},
		[]string{"user_id", "media_id", "position", "playback_rate", "status", "server_updated_at", "updated_at"},
		"updated_at", true)
	_, err := db.ExecContext(ctx, upsert, userID, state.MediaID, state.Position, state.PlaybackRate,
		state.Status, now, state.UpdatedAt)
	return err
}

func (db *DB) GetPlayerStates(ctx context.Context, userID int64) ([]model.PlayerState, error) {
	rows, err := db.QueryContext(ctx, `SELECT media_id, position, playback_rate, status, updated_at
		FROM player_states WHERE user_id = ? ORDER BY media_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := []model.PlayerState{}
	for rows.Next() {
		var s model.PlayerState
		if err := rows.Scan(&s.MediaID, &s.Position, &s.PlaybackRate, &s.Status, &s.UpdatedAt); err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}
