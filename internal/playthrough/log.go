// Package playthrough implements the playback event log, the state cache
// derived from it, and the service rules around playthrough lifecycles.
package playthrough

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/theLastOfCats/audiosync/internal/library"
	"github.com/theLastOfCats/audiosync/internal/model"
	"github.com/theLastOfCats/audiosync/internal/store"
)

// FinishPromptRatio is the fraction of the duration past which callers are
// told to offer finishing the playthrough.
const FinishPromptRatio = 0.95

var (
	ErrNotFound     = errors.New("playthrough: not found")
	ErrInvalidEvent = errors.New("playthrough: invalid event")
)

// Snapshot is the recomputed cache row plus signals derived from it.
type Snapshot struct {
	State        model.PlaythroughState
	Duration     *float64
	FinishPrompt bool
}

// AppendParams describes one event to record. A zero Timestamp means now.
type AppendParams struct {
	ServerURL     string
	PlaythroughID string
	DeviceID      *string
	Type          model.EventType
	Timestamp     int64
	Position      *float64
	PlaybackRate  *float64
	FromPosition  *float64
	ToPosition    *float64
}

// Log is the append-only event store.
type Log struct {
	db     *store.DB
	logger *log.Logger
	now    func() time.Time
}

func NewLog(db *store.DB, logger *log.Logger) *Log {
	if logger == nil {
		logger = log.New(os.Stderr, "[playthrough] ", log.LstdFlags)
	}
	return &Log{db: db, logger: logger, now: time.Now}
}

// Append writes an immutable event and recomputes the playthrough's cache in
// the same transaction. finish and abandon events also move the playthrough's
// status.
func (l *Log) Append(ctx context.Context, p AppendParams) (model.PlaybackEvent, Snapshot, error) {
	var (
		ev   model.PlaybackEvent
		snap Snapshot
	)
	if !p.Type.Valid() {
		return ev, snap, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, p.Type)
	}

	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		ev, err = l.insert(ctx, tx, p)
		if err != nil {
			return err
		}
		snap, err = l.Recompute(ctx, tx, p.ServerURL, p.PlaythroughID)
		return err
	})
	return ev, snap, err
}

func (l *Log) insert(ctx context.Context, tx *sql.Tx, p AppendParams) (model.PlaybackEvent, error) {
	pt, err := Get(ctx, tx, p.ServerURL, p.PlaythroughID)
	if err != nil {
		return model.PlaybackEvent{}, err
	}

	now := l.now().UnixMilli()
	ts := p.Timestamp
	if ts == 0 {
		ts = now
	}
	ev := model.PlaybackEvent{
		ID:            uuid.NewString(),
		PlaythroughID: pt.ID,
		DeviceID:      p.DeviceID,
		Type:          p.Type,
		Timestamp:     ts,
		Position:      p.Position,
		PlaybackRate:  p.PlaybackRate,
		FromPosition:  p.FromPosition,
		ToPosition:    p.ToPosition,
	}
	if err := insertEvent(ctx, tx, p.ServerURL, ev); err != nil {
		return ev, err
	}

	switch p.Type {
	case model.EventFinish:
		_, err = tx.ExecContext(ctx, `UPDATE playthroughs SET status = ?, finished_at = ?, updated_at = MAX(?, updated_at + 1)
			WHERE server_url = ? AND id = ?`, model.StatusFinished, ts, now, p.ServerURL, pt.ID)
	case model.EventAbandon:
		_, err = tx.ExecContext(ctx, `UPDATE playthroughs SET status = ?, abandoned_at = ?, updated_at = MAX(?, updated_at + 1)
			WHERE server_url = ? AND id = ?`, model.StatusAbandoned, ts, now, p.ServerURL, pt.ID)
	}
	if err != nil {
		return ev, fmt.Errorf("failed to update playthrough status: %w", err)
	}
	return ev, nil
}

func insertEvent(ctx context.Context, q store.Querier, serverURL string, ev model.PlaybackEvent) error {
	_, err := q.ExecContext(ctx, `INSERT INTO playback_events
		(server_url, id, playthrough_id, device_id, type, timestamp, position, playback_rate, from_position, to_position, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_url, id) DO NOTHING`,
		serverURL, ev.ID, ev.PlaythroughID, ev.DeviceID, string(ev.Type), ev.Timestamp,
		ev.Position, ev.PlaybackRate, ev.FromPosition, ev.ToPosition, ev.SyncedAt)
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", ev.ID, err)
	}
	return nil
}

// Events returns a playthrough's events in fold order: timestamp, then
// insertion order.
func Events(ctx context.Context, q store.Querier, serverURL, playthroughID string) ([]model.PlaybackEvent, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, playthrough_id, device_id, type, timestamp, position, playback_rate,
		from_position, to_position, synced_at
		FROM playback_events WHERE server_url = ? AND playthrough_id = ?
		ORDER BY timestamp, rowid`, serverURL, playthroughID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]model.PlaybackEvent, error) {
	var events []model.PlaybackEvent
	for rows.Next() {
		var (
			e                   model.PlaybackEvent
			deviceID            sql.NullString
			pos, rate, from, to sql.NullFloat64
			syncedAt            sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.PlaythroughID, &deviceID, &e.Type, &e.Timestamp, &pos, &rate,
			&from, &to, &syncedAt); err != nil {
			return nil, err
		}
		e.DeviceID = store.StringPtr(deviceID)
		e.Position = store.Float64Ptr(pos)
		e.PlaybackRate = store.Float64Ptr(rate)
		e.FromPosition = store.Float64Ptr(from)
		e.ToPosition = store.Float64Ptr(to)
		e.SyncedAt = store.Int64Ptr(syncedAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Recompute folds every event of the playthrough into its cache row.
func (l *Log) Recompute(ctx context.Context, q store.Querier, serverURL, playthroughID string) (Snapshot, error) {
	var snap Snapshot

	pt, err := Get(ctx, q, serverURL, playthroughID)
	if err != nil {
		return snap, err
	}
	duration, err := library.MediaDuration(ctx, q, serverURL, pt.MediaID)
	if err != nil {
		return snap, err
	}
	events, err := Events(ctx, q, serverURL, playthroughID)
	if err != nil {
		return snap, err
	}

	state := Fold(events, duration)
	state.PlaythroughID = playthroughID
	state.UpdatedAt = l.now().UnixMilli()

	_, err = q.ExecContext(ctx, `INSERT INTO playthrough_state_cache
		(server_url, playthrough_id, current_position, current_rate, last_event_at, total_listening_time, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_url, playthrough_id) DO UPDATE SET
			current_position = excluded.current_position,
			current_rate = excluded.current_rate,
			last_event_at = excluded.last_event_at,
			total_listening_time = excluded.total_listening_time,
			updated_at = excluded.updated_at`,
		serverURL, playthroughID, state.CurrentPosition, state.CurrentRate, state.LastEventAt,
		state.TotalListeningTime, state.UpdatedAt)
	if err != nil {
		return snap, fmt.Errorf("failed to write state cache: %w", err)
	}

	snap.State = state
	snap.Duration = duration
	snap.FinishPrompt = finishPrompt(state.CurrentPosition, duration)
	return snap, nil
}

func finishPrompt(position float64, duration *float64) bool {
	return duration != nil && *duration > 0 && position >= *duration*FinishPromptRatio
}

// Fold derives cache values from events already in fold order. It never fails:
// odd sequences such as a pause with no play simply contribute no time.
// Listening time is wall-clock milliseconds between a play and the next pause,
// finish or abandon, capped at the media duration when known.
func Fold(events []model.PlaybackEvent, duration *float64) model.PlaythroughState {
	state := model.PlaythroughState{CurrentRate: 1}

	var (
		playing   bool
		spanStart int64
	)
	for _, e := range events {
		ts := e.Timestamp
		state.LastEventAt = &ts
		if e.PlaybackRate != nil && *e.PlaybackRate > 0 {
			state.CurrentRate = *e.PlaybackRate
		}

		switch e.Type {
		case model.EventPlay:
			if !playing {
				playing = true
				spanStart = e.Timestamp
			}
			if e.Position != nil {
				state.CurrentPosition = *e.Position
			}
		case model.EventPause, model.EventFinish, model.EventAbandon:
			if playing {
				state.TotalListeningTime += e.Timestamp - spanStart
				playing = false
			}
			if e.Position != nil {
				state.CurrentPosition = *e.Position
			}
		case model.EventSeek:
			switch {
			case e.ToPosition != nil:
				state.CurrentPosition = *e.ToPosition
			case e.Position != nil:
				state.CurrentPosition = *e.Position
			}
		}
	}

	if state.CurrentPosition < 0 {
		state.CurrentPosition = 0
	}
	if duration != nil && *duration > 0 {
		if state.CurrentPosition > *duration {
			state.CurrentPosition = *duration
		}
		if limit := int64(*duration * 1000); state.TotalListeningTime > limit {
			state.TotalListeningTime = limit
		}
	}
	return state
}

// State reads a playthrough's cache row.
func State(ctx context.Context, q store.Querier, serverURL, playthroughID string) (model.PlaythroughState, error) {
	s := model.PlaythroughState{PlaythroughID: playthroughID}
	var lastEventAt sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT current_position, current_rate, last_event_at, total_listening_time, updated_at
		FROM playthrough_state_cache WHERE server_url = ? AND playthrough_id = ?`, serverURL, playthroughID).
		Scan(&s.CurrentPosition, &s.CurrentRate, &lastEventAt, &s.TotalListeningTime, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, fmt.Errorf("failed to read state cache: %w", err)
	}
	s.LastEventAt = store.Int64Ptr(lastEventAt)
	return s, nil
}
