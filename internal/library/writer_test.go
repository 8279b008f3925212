package library

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/theLastOfCats/audiosync/internal/model"
	"github.com/theLastOfCats/audiosync/internal/store"
)

const server = "https://books.example"

func setupTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "replica.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func apply(t *testing.T, db *store.DB, w *Writer, c *model.LibraryChanges) ApplyStats {
	t.Helper()
	var stats ApplyStats
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		stats, err = w.Apply(context.Background(), tx, server, c)
		return err
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	return stats
}

func sampleChanges() *model.LibraryChanges {
	dur := 3600.0
	return &model.LibraryChanges{
		People:      []model.Person{{ID: "p1", Name: "Ursula", InsertedAt: 1, UpdatedAt: 10}},
		Books:       []model.Book{{ID: "b1", Title: "The Dispossessed", PublishedFormat: "year", InsertedAt: 1, UpdatedAt: 10}},
		Authors:     []model.Author{{ID: "a1", PersonID: "p1", Name: "Ursula K. Le Guin", InsertedAt: 1, UpdatedAt: 10}},
		Media:       []model.Media{{ID: "m1", BookID: "b1", Status: "ready", Duration: &dur, InsertedAt: 1, UpdatedAt: 10}},
		BookAuthors: []model.BookAuthor{{ID: "ba1", BookID: "b1", AuthorID: "a1", InsertedAt: 1, UpdatedAt: 10}},
		ServerTime:  100,
	}
}

func snapshot(t *testing.T, db *store.DB) map[string][]string {
	t.Helper()
	out := make(map[string][]string)
	for _, tbl := range tables {
		rows, err := db.Query(`SELECT id || ':' || updated_at FROM ` + tbl.table + ` ORDER BY id`)
		if err != nil {
			t.Fatal(err)
		}
		for rows.Next() {
			var s string
			rows.Scan(&s)
			out[tbl.table] = append(out[tbl.table], s)
		}
		rows.Close()
	}
	return out
}

func TestApplyIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	w := NewWriter(nil)

	first := apply(t, db, w, sampleChanges())
	if first.Upserted != 5 {
		t.Errorf("first apply upserted %d, want 5", first.Upserted)
	}
	before := snapshot(t, db)

	second := apply(t, db, w, sampleChanges())
	after := snapshot(t, db)

	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("second apply changed replica (-before +after):\n%s", diff)
	}
	if second.Upserted != 0 || second.Skipped != 5 {
		t.Errorf("replay stats = %+v, want nothing upserted and 5 skipped", second)
	}

	changed := sampleChanges()
	changed.Books[0].Title = "Retitled"
	if third := apply(t, db, w, changed); third.Upserted != 1 {
		t.Errorf("same-version edit upserted %d rows, want 1", third.Upserted)
	}
}

func TestApplyKeepsNewerRows(t *testing.T) {
	db := setupTestDB(t)
	w := NewWriter(nil)

	apply(t, db, w, &model.LibraryChanges{
		Books: []model.Book{{ID: "b1", Title: "Newer", PublishedFormat: "year", InsertedAt: 1, UpdatedAt: 20}},
	})
	stats := apply(t, db, w, &model.LibraryChanges{
		Books: []model.Book{{ID: "b1", Title: "Older", PublishedFormat: "year", InsertedAt: 1, UpdatedAt: 10}},
	})
	if stats.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", stats.Skipped)
	}

	var title string
	if err := db.QueryRow(`SELECT title FROM books WHERE server_url = ? AND id = 'b1'`, server).Scan(&title); err != nil {
		t.Fatal(err)
	}
	if title != "Newer" {
		t.Errorf("title = %q, older upsert overwrote newer row", title)
	}
}

func TestApplyTombstones(t *testing.T) {
	db := setupTestDB(t)
	w := NewWriter(nil)
	ctx := context.Background()

	apply(t, db, w, sampleChanges())
	stats := apply(t, db, w, &model.LibraryChanges{
		Deletions: []model.Tombstone{
			{EntityType: model.EntityBook, ID: "b1"},
			{EntityType: model.EntityBookAuthor, ID: "ba1"},
			{EntityType: "widget", ID: "x"},
			{EntityType: model.EntityMedia, ID: "missing"},
		},
	})
	if stats.Deleted != 2 {
		t.Errorf("Deleted = %d, want 2", stats.Deleted)
	}

	counts, err := Counts(ctx, db, server)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int{
		"people": 1, "books": 0, "series": 0, "authors": 1, "narrators": 0,
		"media": 1, "book_authors": 0, "series_books": 0, "media_narrators": 0,
	}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyScopesByServer(t *testing.T) {
	db := setupTestDB(t)
	w := NewWriter(nil)
	ctx := context.Background()

	apply(t, db, w, sampleChanges())
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := w.Apply(ctx, tx, "https://other.example", &model.LibraryChanges{
			Deletions: []model.Tombstone{{EntityType: model.EntityMedia, ID: "m1"}},
		})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	m, err := GetMedia(ctx, db, server, "m1")
	if err != nil {
		t.Fatalf("GetMedia() error = %v", err)
	}
	if m.Duration == nil || *m.Duration != 3600 {
		t.Errorf("Duration = %v, want 3600", m.Duration)
	}
}

func TestMediaDurationUnknownMedia(t *testing.T) {
	db := setupTestDB(t)
	d, err := MediaDuration(context.Background(), db, server, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if d != nil {
		t.Errorf("MediaDuration = %v, want nil", *d)
	}
}
