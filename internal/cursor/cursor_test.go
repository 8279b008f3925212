package cursor

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/theLastOfCats/audiosync/internal/store"
)

func setupTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "replica.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(v int64) *int64 { return &v }

func TestCursorLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	s := NewStore()
	const server = "https://books.example"

	c, err := s.Get(ctx, db, server)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if diff := cmp.Diff(Cursor{ServerURL: server}, c); diff != "" {
		t.Errorf("fresh cursor mismatch (-want +got):\n%s", diff)
	}

	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.SetLibrary(ctx, tx, server, 100); err != nil {
			return err
		}
		return s.SetUser(ctx, tx, server, 200)
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.WithTx(ctx, func(tx *sql.Tx) error { return s.SetLibrary(ctx, tx, server, 150) }); err != nil {
		t.Fatal(err)
	}

	c, err = s.Get(ctx, db, server)
	if err != nil {
		t.Fatal(err)
	}
	want := Cursor{ServerURL: server, LastLibrarySyncAt: ptr(150), LastUserSyncAt: ptr(200)}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("cursor mismatch (-want +got):\n%s", diff)
	}

	other, _ := s.Get(ctx, db, "https://other.example")
	if other.LastLibrarySyncAt != nil {
		t.Error("cursors must be per server")
	}
}

func TestCursorNotAdvancedOnRollback(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	s := NewStore()

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.SetLibrary(ctx, tx, "srv", 100); err != nil {
			return err
		}
		return errors.New("apply failed")
	})
	if err == nil {
		t.Fatal("expected error")
	}

	c, _ := s.Get(ctx, db, "srv")
	if c.LastLibrarySyncAt != nil {
		t.Errorf("cursor advanced despite rollback: %v", *c.LastLibrarySyncAt)
	}
}
