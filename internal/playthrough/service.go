package playthrough

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/theLastOfCats/audiosync/internal/model"
	"github.com/theLastOfCats/audiosync/internal/store"
)

var ErrNotInProgress = errors.New("playthrough: not in progress")

const playthroughColumns = `id, user_id, media_id, status, started_at, finished_at, abandoned_at, deleted_at,
	created_at, updated_at, synced_at`

func scanPlaythrough(row interface{ Scan(...any) error }) (model.Playthrough, error) {
	var (
		pt                                           model.Playthrough
		finishedAt, abandonedAt, deletedAt, syncedAt sql.NullInt64
	)
	err := row.Scan(&pt.ID, &pt.UserID, &pt.MediaID, &pt.Status, &pt.StartedAt, &finishedAt, &abandonedAt,
		&deletedAt, &pt.CreatedAt, &pt.UpdatedAt, &syncedAt)
	if err != nil {
		return pt, err
	}
	pt.FinishedAt = store.Int64Ptr(finishedAt)
	pt.AbandonedAt = store.Int64Ptr(abandonedAt)
	pt.DeletedAt = store.Int64Ptr(deletedAt)
	pt.SyncedAt = store.Int64Ptr(syncedAt)
	return pt, nil
}

// Get reads one playthrough.
func Get(ctx context.Context, q store.Querier, serverURL, id string) (model.Playthrough, error) {
	row := q.QueryRowContext(ctx, `SELECT `+playthroughColumns+`
		FROM playthroughs WHERE server_url = ? AND id = ?`, serverURL, id)
	pt, err := scanPlaythrough(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pt, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return pt, fmt.Errorf("failed to read playthrough: %w", err)
	}
	return pt, nil
}

func insertPlaythrough(ctx context.Context, q store.Querier, serverURL string, pt model.Playthrough) error {
	_, err := q.ExecContext(ctx, `INSERT INTO playthroughs
		(server_url, id, user_id, media_id, status, started_at, finished_at, abandoned_at, deleted_at, created_at, updated_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		serverURL, pt.ID, pt.UserID, pt.MediaID, string(pt.Status), pt.StartedAt, pt.FinishedAt, pt.AbandonedAt,
		pt.DeletedAt, pt.CreatedAt, pt.UpdatedAt, pt.SyncedAt)
	if err != nil {
		return fmt.Errorf("failed to insert playthrough: %w", err)
	}
	return nil
}

// Service enforces playthrough lifecycle rules on top of the event log. It is
// the only place that creates playthroughs, keeping at most one in progress
// per user and media.
type Service struct {
	db       *store.DB
	log      *Log
	deviceID string
	now      func() time.Time
}

func NewService(db *store.DB, eventLog *Log, deviceID string) *Service {
	return &Service{db: db, log: eventLog, deviceID: deviceID, now: time.Now}
}

// Log returns the underlying event log.
func (s *Service) Log() *Log {
	return s.log
}

// Active returns the user's in-progress playthrough for mediaID.
func (s *Service) Active(ctx context.Context, session model.Session, mediaID string) (model.Playthrough, error) {
	return active(ctx, s.db, session, mediaID)
}

func active(ctx context.Context, q store.Querier, session model.Session, mediaID string) (model.Playthrough, error) {
	row := q.QueryRowContext(ctx, `SELECT `+playthroughColumns+` FROM playthroughs
		WHERE server_url = ? AND user_id = ? AND media_id = ? AND status = ? AND deleted_at IS NULL
		ORDER BY updated_at DESC LIMIT 1`,
		session.ServerURL, session.UserID, mediaID, model.StatusInProgress)
	pt, err := scanPlaythrough(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pt, ErrNotFound
	}
	if err != nil {
		return pt, fmt.Errorf("failed to read active playthrough: %w", err)
	}
	return pt, nil
}

// Start returns the in-progress playthrough for mediaID, creating one when
// none exists.
func (s *Service) Start(ctx context.Context, session model.Session, mediaID string) (model.Playthrough, bool, error) {
	var (
		pt      model.Playthrough
		created bool
	)
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := active(ctx, tx, session, mediaID)
		if err == nil {
			pt = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := s.now().UnixMilli()
		pt = model.Playthrough{
			ID:        uuid.NewString(),
			UserID:    session.UserID,
			MediaID:   mediaID,
			Status:    model.StatusInProgress,
			StartedAt: now,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := insertPlaythrough(ctx, tx, session.ServerURL, pt); err != nil {
			return err
		}
		created = true
		_, err = s.log.Recompute(ctx, tx, session.ServerURL, pt.ID)
		return err
	})
	return pt, created, err
}

// Finish records a finish event, moving the playthrough to finished.
func (s *Service) Finish(ctx context.Context, session model.Session, playthroughID string, position float64) (Snapshot, error) {
	return s.close(ctx, session, playthroughID, model.EventFinish, position)
}

// Abandon records an abandon event, moving the playthrough to abandoned.
func (s *Service) Abandon(ctx context.Context, session model.Session, playthroughID string, position float64) (Snapshot, error) {
	return s.close(ctx, session, playthroughID, model.EventAbandon, position)
}

func (s *Service) close(ctx context.Context, session model.Session, playthroughID string, typ model.EventType, position float64) (Snapshot, error) {
	pt, err := Get(ctx, s.db, session.ServerURL, playthroughID)
	if err != nil {
		return Snapshot{}, err
	}
	if pt.Status != model.StatusInProgress {
		return Snapshot{}, fmt.Errorf("%w: %s is %s", ErrNotInProgress, pt.ID, pt.Status)
	}
	_, snap, err := s.log.Append(ctx, AppendParams{
		ServerURL:     session.ServerURL,
		PlaythroughID: playthroughID,
		DeviceID:      s.devicePtr(),
		Type:          typ,
		Position:      &position,
	})
	return snap, err
}

// Delete soft-deletes a playthrough. The deletion syncs like any other change.
func (s *Service) Delete(ctx context.Context, session model.Session, playthroughID string) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UnixMilli()
		res, err := tx.ExecContext(ctx, `UPDATE playthroughs SET deleted_at = ?, updated_at = MAX(?, updated_at + 1)
			WHERE server_url = ? AND id = ? AND deleted_at IS NULL`, now, now, session.ServerURL, playthroughID)
		if err != nil {
			return fmt.Errorf("failed to delete playthrough: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, playthroughID)
		}
		return nil
	})
}

// Record appends an event produced by the playback layer.
func (s *Service) Record(ctx context.Context, session model.Session, playthroughID string, p AppendParams) (Snapshot, error) {
	p.ServerURL = session.ServerURL
	p.PlaythroughID = playthroughID
	if p.DeviceID == nil {
		p.DeviceID = s.devicePtr()
	}
	_, snap, err := s.log.Append(ctx, p)
	return snap, err
}

func (s *Service) devicePtr() *string {
	if s.deviceID == "" {
		return nil
	}
	id := s.deviceID
	return &id
}

// List returns the user's playthroughs, most recently updated first.
func (s *Service) List(ctx context.Context, session model.Session) ([]model.Playthrough, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+playthroughColumns+` FROM playthroughs
		WHERE server_url = ? AND user_id = ? AND deleted_at IS NULL
		ORDER BY updated_at DESC`, session.ServerURL, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list playthroughs: %w", err)
	}
	defer rows.Close()

	var out []model.Playthrough
	for rows.Next() {
		pt, err := scanPlaythrough(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}
