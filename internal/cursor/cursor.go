// Package cursor persists per-server sync boundaries.
package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/theLastOfCats/audiosync/internal/store"
)

// Cursor holds the server times of the last fully-applied pulls.
type Cursor struct {
	ServerURL         string
	LastLibrarySyncAt *int64
	LastUserSyncAt    *int64
}

// Store reads and advances cursors. Writes take the caller's transaction so a
// cursor only moves together with the data it covers.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// Get returns the cursor for serverURL; a server never synced yields nil fields.
func (s *Store) Get(ctx context.Context, q store.Querier, serverURL string) (Cursor, error) {
	c := Cursor{ServerURL: serverURL}
	var lib, user sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT last_library_sync_at, last_user_sync_at FROM sync_cursors WHERE server_url = ?`, serverURL).
		Scan(&lib, &user)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("failed to read cursor: %w", err)
	}
	c.LastLibrarySyncAt = store.Int64Ptr(lib)
	c.LastUserSyncAt = store.Int64Ptr(user)
	return c, nil
}

func (s *Store) SetLibrary(ctx context.Context, tx *sql.Tx, serverURL string, serverTime int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sync_cursors (server_url, last_library_sync_at) VALUES (?, ?)
		ON CONFLICT(server_url) DO UPDATE SET last_library_sync_at = excluded.last_library_sync_at`,
		serverURL, serverTime)
	if err != nil {
		return fmt.Errorf("failed to set library cursor: %w", err)
	}
	return nil
}

func (s *Store) SetUser(ctx context.Context, tx *sql.Tx, serverURL string, serverTime int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sync_cursors (server_url, last_user_sync_at) VALUES (?, ?)
		ON CONFLICT(server_url) DO UPDATE SET last_user_sync_at = excluded.last_user_sync_at`,
		serverURL, serverTime)
	if err != nil {
		return fmt.Errorf("failed to set user cursor: %w", err)
	}
	return nil
}

// Clear forgets both cursors for serverURL.
func (s *Store) Clear(ctx context.Context, tx *sql.Tx, serverURL string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_cursors WHERE server_url = ?`, serverURL); err != nil {
		return fmt.Errorf("failed to clear cursor: %w", err)
	}
	return nil
}
