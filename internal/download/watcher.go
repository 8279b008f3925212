package download

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/theLastOfCats/audiosync/internal/model"
)

// Watcher drops ready records whose file was removed behind the manager's back.
type Watcher struct {
	m       *Manager
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Watch starts watching the download directory and its per-server
// subdirectories.
func (m *Manager) Watch(ctx context.Context) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(m.dir); err != nil {
		fw.Close()
		return nil, err
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		fw.Close()
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		if err := fw.Add(path); err != nil {
			m.logger.Printf("WARNING: failed to watch %s: %v", path, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{m: m, watcher: fw, cancel: cancel}
	w.wg.Add(1)
	go w.loop(ctx)
	return w, nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.m.logger.Printf("WARNING: watcher error: %v", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.m.logger.Printf("WARNING: failed to watch new dir %s: %v", event.Name, err)
			}
		}
		return
	}
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		if n, err := w.m.fileRemoved(ctx, event.Name); err != nil {
			w.m.logger.Printf("ERROR: failed to reconcile %s: %v", event.Name, err)
		} else if n > 0 {
			w.m.logger.Printf("%s removed externally, dropped %d download(s)", event.Name, n)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// fileRemoved drops ready records stored at path if the file is really gone.
func (m *Manager) fileRemoved(ctx context.Context, path string) (int, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT server_url, media_id FROM downloads
		WHERE file_path = ? AND status = ?`, path, model.DownloadReady)
	if err != nil {
		return 0, fmt.Errorf("failed to look up downloads: %w", err)
	}
	type ref struct{ serverURL, mediaID string }
	var refs []ref
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.serverURL, &r.mediaID); err != nil {
			rows.Close()
			return 0, err
		}
		refs = append(refs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	dropped := 0
	for _, r := range refs {
		ok, err := m.dropIfMissing(ctx, r.serverURL, r.mediaID)
		if err != nil {
			return dropped, err
		}
		if ok {
			dropped++
		}
	}
	return dropped, nil
}

func (m *Manager) dropIfMissing(ctx context.Context, serverURL, mediaID string) (bool, error) {
	unlock := m.locks.Lock(key(serverURL, mediaID))
	defer unlock()

	d, err := Get(ctx, m.db, serverURL, mediaID)
	if err != nil || d.Status != model.DownloadReady {
		return false, nil
	}
	if _, err := os.Stat(d.FilePath); !os.IsNotExist(err) {
		return false, nil
	}
	err = m.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM downloads WHERE server_url = ? AND media_id = ?`, serverURL, mediaID)
		return err
	})
	if err != nil {
		return false, err
	}
	removeFiles(d.Thumbnails)
	return true, nil
}
