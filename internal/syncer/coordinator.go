// Package syncer runs sync cycles, two pulls and then a push, against a server.
package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/theLastOfCats/audiosync/internal/cursor"
	"github.com/theLastOfCats/audiosync/internal/library"
	"github.com/theLastOfCats/audiosync/internal/model"
	"github.com/theLastOfCats/audiosync/internal/playthrough"
	"github.com/theLastOfCats/audiosync/internal/store"
)

const DefaultTimeout = 2 * time.Minute

// PhaseResult reports one phase of a sync run. A failed phase leaves its
// cursor untouched and never affects the other phases.
type PhaseResult struct {
	Changed  int
	Failed   int
	Err      error
	Duration time.Duration
}

type Outcome struct {
	Library PhaseResult
	User    PhaseResult
	Push    PhaseResult
}

// Err joins the errors of every failed phase.
func (o Outcome) Err() error {
	return errors.Join(o.Library.Err, o.User.Err, o.Push.Err)
}

// NewData reports whether any phase changed local or remote state.
func (o Outcome) NewData() bool {
	return o.Library.Changed+o.User.Changed+o.Push.Changed > 0
}

type Config struct {
	// Timeout bounds a whole run, independent of the caller's context.
	Timeout time.Duration
	Logger  *log.Logger
	// NewRemote builds the server client for a session. Defaults to an HTTP
	// Client using the session's token.
	NewRemote func(model.Session) (Remote, error)
}

// Coordinator owns sync for every account on this device. Concurrent calls for
// the same account share one run.
type Coordinator struct {
	db      *store.DB
	log     *playthrough.Log
	writer  *library.Writer
	cursors *cursor.Store
	cfg     Config
	logger  *log.Logger
	group   singleflight.Group
	now     func() time.Time
}

func New(db *store.DB, eventLog *playthrough.Log, cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if cfg.NewRemote == nil {
		timeout := cfg.Timeout
		cfg.NewRemote = func(s model.Session) (Remote, error) {
			return NewClient(s.ServerURL, s.Token, timeout)
		}
	}
	return &Coordinator{
		db:      db,
		log:     eventLog,
		writer:  library.NewWriter(logger),
		cursors: cursor.NewStore(),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Sync pulls changes since the stored cursors and pushes pending playthroughs.
func (c *Coordinator) Sync(ctx context.Context, session model.Session) (Outcome, error) {
	return c.run(ctx, "sync", session, false)
}

// FullResync is Sync with both cursors ignored.
func (c *Coordinator) FullResync(ctx context.Context, session model.Session) (Outcome, error) {
	return c.run(ctx, "full", session, true)
}

func (c *Coordinator) run(ctx context.Context, kind string, session model.Session, full bool) (Outcome, error) {
	key := kind + "|" + session.ServerURL + "|" + strconv.FormatInt(session.UserID, 10)
	ch := c.group.DoChan(key, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()
		return c.cycle(runCtx, session, full)
	})

	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Outcome{}, res.Err
		}
		return res.Val.(Outcome), nil
	}
}

func (c *Coordinator) cycle(ctx context.Context, session model.Session, full bool) (Outcome, error) {
	var out Outcome
	remote, err := c.cfg.NewRemote(session)
	if err != nil {
		return out, fmt.Errorf("failed to create sync client: %w", err)
	}

	cur, err := c.cursors.Get(ctx, c.db, session.ServerURL)
	if err != nil {
		return out, err
	}
	if full {
		cur.LastLibrarySyncAt, cur.LastUserSyncAt = nil, nil
	}

	out.Library = c.phase("library", func() (int, int, error) {
		return c.pullLibrary(ctx, remote, session.ServerURL, cur.LastLibrarySyncAt)
	})
	out.User = c.phase("user", func() (int, int, error) {
		return c.pullUser(ctx, remote, session.ServerURL, cur.LastUserSyncAt)
	})
	out.Push = c.phase("push", func() (int, int, error) {
		return c.push(ctx, remote, session.ServerURL)
	})
	return out, nil
}

func (c *Coordinator) phase(name string, fn func() (int, int, error)) PhaseResult {
	start := c.now()
	changed, failed, err := fn()
	res := PhaseResult{Changed: changed, Failed: failed, Err: err, Duration: c.now().Sub(start)}
	if err != nil {
		c.logger.Printf("ERROR: %s phase failed: %v", name, err)
	} else if changed > 0 {
		c.logger.Printf("%s phase: %d changed", name, changed)
	}
	return res
}

func (c *Coordinator) pullLibrary(ctx context.Context, remote Remote, serverURL string, since *int64) (int, int, error) {
	changes, err := remote.LibraryChanges(ctx, since)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to fetch library changes: %w", err)
	}

	var stats library.ApplyStats
	err = c.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		stats, err = c.writer.Apply(ctx, tx, serverURL, changes)
		if err != nil {
			return err
		}
		return c.cursors.SetLibrary(ctx, tx, serverURL, changes.ServerTime)
	})
	if err != nil {
		return 0, 0, err
	}
	return stats.Upserted + stats.Deleted, 0, nil
}

func (c *Coordinator) pullUser(ctx context.Context, remote Remote, serverURL string, since *int64) (int, int, error) {
	changes, err := remote.UserChanges(ctx, since)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to fetch user changes: %w", err)
	}

	var touched []string
	err = c.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		touched, err = c.log.MergeRemote(ctx, tx, serverURL, changes)
		if err != nil {
			return err
		}
		return c.cursors.SetUser(ctx, tx, serverURL, changes.ServerTime)
	})
	if err != nil {
		return 0, 0, err
	}
	return len(touched), 0, nil
}

// push sends one batch per pending playthrough. A failed batch is counted and
// skipped; its rows stay pending.
func (c *Coordinator) push(ctx context.Context, remote Remote, serverURL string) (int, int, error) {
	ids, err := playthrough.PendingIDs(ctx, c.db, serverURL)
	if err != nil {
		return 0, 0, err
	}

	var pushed, failed int
	var lastErr error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return pushed, failed, err
		}
		if err := c.pushOne(ctx, remote, serverURL, id); err != nil {
			c.logger.Printf("ERROR: failed to push playthrough %s: %v", id, err)
			failed++
			lastErr = err
			continue
		}
		pushed++
	}
	if failed > 0 {
		return pushed, failed, fmt.Errorf("%d of %d batches failed, last error: %w", failed, len(ids), lastErr)
	}
	return pushed, 0, nil
}

func (c *Coordinator) pushOne(ctx context.Context, remote Remote, serverURL, id string) error {
	batch, err := playthrough.LoadBatch(ctx, c.db, serverURL, id)
	if err != nil {
		return err
	}
	res, err := remote.PushPlaythrough(ctx, batch)
	if err != nil {
		return err
	}

	syncedAt := c.now().UnixMilli()
	var marked playthrough.MarkResult
	err = c.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		marked, err = playthrough.MarkSynced(ctx, tx, serverURL, batch, syncedAt)
		return err
	})
	if err != nil {
		return err
	}
	if !marked.Playthrough || marked.Events < len(batch.Events) {
		c.logger.Printf("playthrough %s changed during push, left pending", id)
	}
	if res.Duplicates > 0 {
		c.logger.Printf("playthrough %s: server already had %d events", id, res.Duplicates)
	}

	pt := batch.Playthrough
	if pt.Status == model.StatusInProgress && pt.DeletedAt == nil {
		c.putPlayerState(ctx, remote, serverURL, *pt)
	}
	return nil
}

// putPlayerState keeps older server builds that only know player states
// current. Failures are logged and otherwise ignored.
func (c *Coordinator) putPlayerState(ctx context.Context, remote Remote, serverURL string, pt model.Playthrough) {
	state, err := playthrough.State(ctx, c.db, serverURL, pt.ID)
	if err != nil {
		c.logger.Printf("WARNING: no cached state for %s: %v", pt.ID, err)
		return
	}
	err = remote.PutPlayerState(ctx, model.PlayerState{
		MediaID:      pt.MediaID,
		Position:     state.CurrentPosition,
		PlaybackRate: state.CurrentRate,
		Status:       string(pt.Status),
		UpdatedAt:    state.UpdatedAt,
	})
	if err != nil {
		c.logger.Printf("WARNING: player state update for %s failed: %v", pt.MediaID, err)
	}
}
