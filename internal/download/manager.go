// Package download manages offline copies of media files.
package download

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/theLastOfCats/audiosync/internal/library"
	"github.com/theLastOfCats/audiosync/internal/model"
	"github.com/theLastOfCats/audiosync/internal/store"
)

var (
	ErrNotFound          = errors.New("download: not found")
	ErrInvalidTransition = errors.New("download: invalid transition")
	ErrClosed            = errors.New("download: manager closed")
)

type Config struct {
	Dir        string
	Transfer   Transfer
	Thumbnails map[string]uint
	Logger     *log.Logger
}

type attempt struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the download records of every account. Operations on the same
// media are serialized; different media transfer concurrently.
type Manager struct {
	db         *store.DB
	dir        string
	transfer   Transfer
	thumbnails map[string]uint
	logger     *log.Logger
	locks      *keyedMutex
	now        func() time.Time

	mu       sync.Mutex
	attempts map[string]*attempt
	nextID   uint64
	closing  bool
	wg       sync.WaitGroup
}

func NewManager(db *store.DB, cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("download directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}
	if cfg.Transfer == nil {
		cfg.Transfer = NewHTTPTransfer()
	}
	if cfg.Thumbnails == nil {
		cfg.Thumbnails = DefaultThumbnails
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[download] ", log.LstdFlags)
	}
	return &Manager{
		db:         db,
		dir:        cfg.Dir,
		transfer:   cfg.Transfer,
		thumbnails: cfg.Thumbnails,
		logger:     logger,
		locks:      newKeyedMutex(),
		now:        time.Now,
		attempts:   make(map[string]*attempt),
	}, nil
}

func key(serverURL, mediaID string) string {
	return serverURL + "\x00" + mediaID
}

func (m *Manager) filePath(serverURL, mediaID string) string {
	sum := sha256.Sum256([]byte(serverURL))
	return filepath.Join(m.dir, hex.EncodeToString(sum[:8]), url.PathEscape(mediaID)+".mp4")
}

func mediaURL(serverURL string, media model.Media) string {
	if p := media.MP4Path; p != nil && *p != "" {
		if strings.HasPrefix(*p, "http://") || strings.HasPrefix(*p, "https://") {
			return *p
		}
		return serverURL + "/" + strings.TrimLeft(*p, "/")
	}
	return serverURL + "/media/" + url.PathEscape(media.ID) + "/audio"
}

// Start creates a pending record and begins the transfer.
func (m *Manager) Start(ctx context.Context, session model.Session, mediaID string) (model.Download, error) {
	k := key(session.ServerURL, mediaID)
	unlock := m.locks.Lock(k)
	defer unlock()

	if m.isClosing() {
		return model.Download{}, ErrClosed
	}
	if d, err := Get(ctx, m.db, session.ServerURL, mediaID); err == nil {
		return d, fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, mediaID, d.Status)
	} else if !errors.Is(err, ErrNotFound) {
		return d, err
	}
	if _, err := library.GetMedia(ctx, m.db, session.ServerURL, mediaID); err != nil {
		return model.Download{}, fmt.Errorf("cannot download %s: %w", mediaID, err)
	}

	now := m.now().UnixMilli()
	d := model.Download{
		ServerURL: session.ServerURL,
		MediaID:   mediaID,
		FilePath:  m.filePath(session.ServerURL, mediaID),
		Status:    model.DownloadPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO downloads
			(server_url, media_id, file_path, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			d.ServerURL, d.MediaID, d.FilePath, string(d.Status), d.CreatedAt, d.UpdatedAt)
		return err
	})
	if err != nil {
		return d, fmt.Errorf("failed to create download: %w", err)
	}

	m.launch(session, d)
	return d, nil
}

// Retry moves an errored download back to pending and continues from its
// resume token when it has one.
func (m *Manager) Retry(ctx context.Context, session model.Session, mediaID string) (model.Download, error) {
	k := key(session.ServerURL, mediaID)
	unlock := m.locks.Lock(k)
	defer unlock()

	if m.isClosing() {
		return model.Download{}, ErrClosed
	}
	d, err := Get(ctx, m.db, session.ServerURL, mediaID)
	if err != nil {
		return d, err
	}
	if d.Status != model.DownloadError {
		return d, fmt.Errorf("%w: cannot retry a %s download", ErrInvalidTransition, d.Status)
	}
	if err := m.setPending(ctx, &d); err != nil {
		return d, err
	}
	m.launch(session, d)
	return d, nil
}

// Cancel removes an unfinished download. The record is gone when Cancel
// returns; the transfer stops and its partial file is removed in the
// background.
func (m *Manager) Cancel(ctx context.Context, session model.Session, mediaID string) error {
	k := key(session.ServerURL, mediaID)
	unlock := m.locks.Lock(k)
	defer unlock()

	d, err := Get(ctx, m.db, session.ServerURL, mediaID)
	if err != nil {
		return err
	}
	if d.Status == model.DownloadReady {
		return fmt.Errorf("%w: %s is already downloaded, delete it instead", ErrInvalidTransition, mediaID)
	}
	return m.remove(ctx, k, d)
}

// Delete removes a download in any state along with its files. Files already
// gone are not an error.
func (m *Manager) Delete(ctx context.Context, session model.Session, mediaID string) error {
	k := key(session.ServerURL, mediaID)
	unlock := m.locks.Lock(k)
	defer unlock()

	d, err := Get(ctx, m.db, session.ServerURL, mediaID)
	if err != nil {
		return err
	}
	return m.remove(ctx, k, d)
}

// remove runs with the key lock held.
func (m *Manager) remove(ctx context.Context, k string, d model.Download) error {
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM downloads WHERE server_url = ? AND media_id = ?`, d.ServerURL, d.MediaID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete download: %w", err)
	}

	m.mu.Lock()
	a := m.attempts[k]
	delete(m.attempts, k)
	m.mu.Unlock()

	if a == nil {
		m.removeDownloadFiles(d)
		return nil
	}

	a.cancel()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-a.done
		unlock := m.locks.Lock(k)
		defer unlock()
		// A new Start may already own the paths.
		if _, err := Get(context.Background(), m.db, d.ServerURL, d.MediaID); errors.Is(err, ErrNotFound) {
			m.removeDownloadFiles(d)
		}
	}()
	return nil
}

func (m *Manager) removeDownloadFiles(d model.Download) {
	for _, p := range []string{d.FilePath, d.FilePath + ".part"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			m.logger.Printf("WARNING: failed to remove %s: %v", p, err)
		}
	}
	removeFiles(d.Thumbnails)
}

// ResumeAll continues every pending or downloading record of the session's
// server that has no transfer running, typically after a restart.
func (m *Manager) ResumeAll(ctx context.Context, session model.Session) (int, error) {
	downloads, err := List(ctx, m.db, session.ServerURL)
	if err != nil {
		return 0, err
	}

	var resumed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, d := range downloads {
		if d.Status != model.DownloadPending && d.Status != model.DownloadDownloading {
			continue
		}
		g.Go(func() error {
			ok, err := m.resume(gctx, session, d.MediaID)
			if ok {
				resumed.Add(1)
			}
			return err
		})
	}
	err = g.Wait()
	return int(resumed.Load()), err
}

func (m *Manager) resume(ctx context.Context, session model.Session, mediaID string) (bool, error) {
	k := key(session.ServerURL, mediaID)
	unlock := m.locks.Lock(k)
	defer unlock()

	if m.isClosing() {
		return false, ErrClosed
	}
	m.mu.Lock()
	_, running := m.attempts[k]
	m.mu.Unlock()
	if running {
		return false, nil
	}

	d, err := Get(ctx, m.db, session.ServerURL, mediaID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if d.Status != model.DownloadPending && d.Status != model.DownloadDownloading {
		return false, nil
	}
	if err := m.setPending(ctx, &d); err != nil {
		return false, err
	}
	m.launch(session, d)
	return true, nil
}

func (m *Manager) setPending(ctx context.Context, d *model.Download) error {
	d.Status = model.DownloadPending
	d.ErrorMessage = nil
	d.UpdatedAt = m.now().UnixMilli()
	return m.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE downloads SET status = ?, error_message = NULL, updated_at = ?
			WHERE server_url = ? AND media_id = ?`, string(d.Status), d.UpdatedAt, d.ServerURL, d.MediaID)
		return err
	})
}

// Wait blocks until the running transfer for mediaID ends and returns the
// record as it was left.
func (m *Manager) Wait(ctx context.Context, serverURL, mediaID string) (model.Download, error) {
	m.mu.Lock()
	a := m.attempts[key(serverURL, mediaID)]
	m.mu.Unlock()
	if a != nil {
		select {
		case <-a.done:
		case <-ctx.Done():
			return model.Download{}, ctx.Err()
		}
	}
	return Get(ctx, m.db, serverURL, mediaID)
}

// Close stops every transfer, keeping resume tokens so ResumeAll can pick
// them up later, and waits for background work to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closing = true
	for _, a := range m.attempts {
		a.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) isClosing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing
}

// launch runs with the key lock held.
func (m *Manager) launch(session model.Session, d model.Download) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.nextID++
	a := &attempt{id: m.nextID, cancel: cancel, done: make(chan struct{})}
	m.attempts[key(d.ServerURL, d.MediaID)] = a
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(ctx, a, session, d)
}

func (m *Manager) run(ctx context.Context, a *attempt, session model.Session, d model.Download) {
	defer m.wg.Done()
	defer close(a.done)
	k := key(d.ServerURL, d.MediaID)
	defer func() {
		m.mu.Lock()
		if m.attempts[k] == a {
			delete(m.attempts, k)
		}
		m.mu.Unlock()
		a.cancel()
	}()

	media, err := library.GetMedia(ctx, m.db, d.ServerURL, d.MediaID)
	if err != nil {
		m.fail(a, d, nil, err)
		return
	}
	if !m.update(a, d, `status = ?`, model.DownloadDownloading) {
		return
	}

	var resume *ResumeToken
	if d.ResumeData != nil {
		resume = &ResumeToken{}
		if err := json.Unmarshal([]byte(*d.ResumeData), resume); err != nil {
			m.logger.Printf("WARNING: discarding unreadable resume data for %s: %v", d.MediaID, err)
			resume = nil
		}
	}

	part := d.FilePath + ".part"
	if err := os.MkdirAll(filepath.Dir(part), 0o755); err != nil {
		m.fail(a, d, nil, err)
		return
	}

	lastReported := -1.0
	res, err := m.transfer.Fetch(ctx, Request{
		URL:    mediaURL(session.ServerURL, media),
		Token:  session.Token,
		Dest:   part,
		Resume: resume,
	}, func(cp ResumeToken) {
		// A complete transfer is not ready until it has been moved into place.
		if cp.Total <= 0 || cp.Received >= cp.Total {
			return
		}
		p := float64(cp.Received) / float64(cp.Total)
		if p-lastReported >= 0.01 {
			lastReported = p
			m.update(a, d, `progress = ?, resume_data = ?`, p, encodeResume(&cp))
		}
	})
	if err != nil {
		switch {
		case ctx.Err() != nil && m.isClosing():
			m.interrupt(a, d, res.Resume)
		case ctx.Err() != nil:
			// Cancelled or deleted; remove cleans up.
		default:
			m.fail(a, d, res.Resume, err)
		}
		return
	}

	info, err := os.Stat(part)
	if err != nil {
		m.fail(a, d, nil, err)
		return
	}
	if res.Total > 0 && info.Size() != res.Total {
		os.Remove(part)
		m.fail(a, d, nil, fmt.Errorf("size mismatch: have %d bytes, expected %d", info.Size(), res.Total))
		return
	}
	if err := os.Rename(part, d.FilePath); err != nil {
		m.fail(a, d, nil, fmt.Errorf("failed to move download into place: %w", err))
		return
	}

	var thumbs map[string]string
	if media.ThumbnailPath != nil && *media.ThumbnailPath != "" && len(m.thumbnails) > 0 {
		coverURL := session.ServerURL + "/" + strings.TrimLeft(*media.ThumbnailPath, "/")
		thumbs, err = m.makeThumbnails(ctx, coverURL, session.Token, strings.TrimSuffix(d.FilePath, ".mp4"))
		if err != nil {
			m.logger.Printf("WARNING: no thumbnails for %s: %v", d.MediaID, err)
		}
	}
	thumbJSON, err := json.Marshal(thumbs)
	if err != nil {
		thumbJSON = []byte("null")
	}

	if !m.update(a, d, `status = ?, progress = NULL, resume_data = NULL, error_message = NULL, thumbnails = ?`,
		model.DownloadReady, string(thumbJSON)) {
		removeFiles(thumbs)
		return
	}
	m.logger.Printf("download of %s ready (%d bytes)", d.MediaID, info.Size())
}

func (m *Manager) fail(a *attempt, d model.Download, resume *ResumeToken, cause error) {
	m.logger.Printf("ERROR: download of %s failed: %v", d.MediaID, cause)
	m.update(a, d, `status = ?, error_message = ?, resume_data = ?`,
		model.DownloadError, cause.Error(), encodeResume(resume))
}

// interrupt keeps the record resumable across a shutdown.
func (m *Manager) interrupt(a *attempt, d model.Download, resume *ResumeToken) {
	m.update(a, d, `resume_data = COALESCE(?, resume_data)`, encodeResume(resume))
}

func encodeResume(r *ResumeToken) *string {
	if r == nil {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

// update applies set to the record only while a is still its current attempt,
// and reports whether it did.
func (m *Manager) update(a *attempt, d model.Download, set string, args ...any) bool {
	k := key(d.ServerURL, d.MediaID)
	unlock := m.locks.Lock(k)
	defer unlock()

	m.mu.Lock()
	current := m.attempts[k] == a
	m.mu.Unlock()
	if !current {
		return false
	}

	ctx := context.Background()
	args = append(args, m.now().UnixMilli(), d.ServerURL, d.MediaID)
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE downloads SET `+set+`, updated_at = ?
			WHERE server_url = ? AND media_id = ?`, args...)
		return err
	})
	if err != nil {
		m.logger.Printf("ERROR: failed to update download %s: %v", d.MediaID, err)
		return false
	}
	return true
}

const downloadColumns = `server_url, media_id, file_path, status, progress, resume_data, thumbnails, error_message,
	created_at, updated_at`

func scanDownload(row interface{ Scan(...any) error }) (model.Download, error) {
	var (
		d                          model.Download
		progress                   sql.NullFloat64
		resume, thumbs, errMessage sql.NullString
	)
	if err := row.Scan(&d.ServerURL, &d.MediaID, &d.FilePath, &d.Status, &progress, &resume, &thumbs,
		&errMessage, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return d, err
	}
	d.Progress = store.Float64Ptr(progress)
	d.ResumeData = store.StringPtr(resume)
	d.ErrorMessage = store.StringPtr(errMessage)
	if thumbs.Valid && thumbs.String != "" {
		if err := json.Unmarshal([]byte(thumbs.String), &d.Thumbnails); err != nil {
			return d, fmt.Errorf("bad thumbnails for %s: %w", d.MediaID, err)
		}
	}
	return d, nil
}

func Get(ctx context.Context, q store.Querier, serverURL, mediaID string) (model.Download, error) {
	d, err := scanDownload(q.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads
		WHERE server_url = ? AND media_id = ?`, serverURL, mediaID))
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("%w: %s", ErrNotFound, mediaID)
	}
	if err != nil {
		return d, fmt.Errorf("failed to read download: %w", err)
	}
	return d, nil
}

// List returns the server's downloads, newest first.
func List(ctx context.Context, q store.Querier, serverURL string) ([]model.Download, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+downloadColumns+` FROM downloads
		WHERE server_url = ? ORDER BY created_at DESC, media_id`, serverURL)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	var out []model.Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (m *Manager) Get(ctx context.Context, serverURL, mediaID string) (model.Download, error) {
	return Get(ctx, m.db, serverURL, mediaID)
}

func (m *Manager) List(ctx context.Context, serverURL string) ([]model.Download, error) {
	return List(ctx, m.db, serverURL)
}
