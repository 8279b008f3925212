package db_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/theLastOfCats/audiosync/internal/db"
	"github.com/theLastOfCats/audiosync/internal/model"
	"github.com/theLastOfCats/audiosync/internal/testutil"
)

func createUser(t *testing.T, database *db.DB, email string) int64 {
	t.Helper()
	id, err := database.CreateUser(context.Background(), email, "hash", 1)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return id
}

func TestUsers(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()

	id := createUser(t, database, "a@example.com")
	user, err := database.GetUserByEmail(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if user.ID != id {
		t.Errorf("ID = %d, want %d", user.ID, id)
	}
	if _, err := database.GetUserByID(ctx, id+1); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("GetUserByID(missing) error = %v, want ErrNotFound", err)
	}
	if exists, _ := database.UserExists(ctx, id); !exists {
		t.Error("UserExists = false")
	}
}

func TestLibraryChangesSince(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()

	book := model.Book{ID: "b1", Title: "Dune", PublishedFormat: "year", UpdatedAt: 10}
	if err := database.ApplyLibrary(ctx, &model.LibraryChanges{Books: []model.Book{book}}, 100); err != nil {
		t.Fatalf("ApplyLibrary: %v", err)
	}

	full, err := database.LibraryChangesSince(ctx, nil, 150)
	if err != nil {
		t.Fatalf("LibraryChangesSince(nil): %v", err)
	}
	if diff := cmp.Diff([]model.Book{book}, full.Books); diff != "" {
		t.Errorf("books mismatch (-want +got):\n%s", diff)
	}
	if full.ServerTime != 150 {
		t.Errorf("ServerTime = %d, want 150", full.ServerTime)
	}

	// An older copy of the row is ignored.
	stale := book
	stale.Title = "Old"
	stale.UpdatedAt = 5
	if err := database.ApplyLibrary(ctx, &model.LibraryChanges{Books: []model.Book{stale}}, 200); err != nil {
		t.Fatalf("ApplyLibrary(stale): %v", err)
	}
	since := int64(150)
	changes, err := database.LibraryChangesSince(ctx, &since, 250)
	if err != nil {
		t.Fatalf("LibraryChangesSince: %v", err)
	}
	if len(changes.Books) != 0 {
		t.Errorf("stale write surfaced as a change: %+v", changes.Books)
	}

	deletion := model.Tombstone{EntityType: model.EntityBook, ID: "b1"}
	if err := database.ApplyLibrary(ctx, &model.LibraryChanges{Deletions: []model.Tombstone{deletion}}, 300); err != nil {
		t.Fatalf("ApplyLibrary(delete): %v", err)
	}
	changes, err = database.LibraryChangesSince(ctx, &since, 350)
	if err != nil {
		t.Fatalf("LibraryChangesSince: %v", err)
	}
	want := []model.Tombstone{{EntityType: model.EntityBook, ID: "b1", DeletedAt: 300}}
	if diff := cmp.Diff(want, changes.Deletions); diff != "" {
		t.Errorf("deletions mismatch (-want +got):\n%s", diff)
	}
	if full, _ := database.LibraryChangesSince(ctx, nil, 400); len(full.Books) != 0 || len(full.Deletions) != 0 {
		t.Errorf("full pull after delete = %+v", full)
	}
}

func pos(v float64) *float64 { return &v }

func TestPushPlaythrough(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, database, "alice@example.com")
	bob := createUser(t, database, "bob@example.com")

	pt := &model.Playthrough{ID: "p1", MediaID: "m1", Status: model.StatusInProgress, StartedAt: 1, CreatedAt: 1, UpdatedAt: 10}
	events := []model.PlaybackEvent{
		{ID: "e1", PlaythroughID: "p1", Type: model.EventPlay, Timestamp: 1, Position: pos(0), PlaybackRate: pos(1)},
		{ID: "e2", PlaythroughID: "p1", Type: model.EventPause, Timestamp: 2, Position: pos(30), PlaybackRate: pos(1)},
	}
	batch := model.PlaythroughBatch{Playthrough: pt, Events: events}

	res, err := database.PushPlaythrough(ctx, alice, batch, 100)
	if err != nil {
		t.Fatalf("PushPlaythrough: %v", err)
	}
	if res.Accepted != 2 || res.Duplicates != 0 {
		t.Errorf("first push = %+v, want 2 accepted", res)
	}

	res, err = database.PushPlaythrough(ctx, alice, batch, 200)
	if err != nil {
		t.Fatalf("PushPlaythrough(again): %v", err)
	}
	if res.Accepted != 0 || res.Duplicates != 2 {
		t.Errorf("repeated push = %+v, want 2 duplicates", res)
	}

	if _, err := database.PushPlaythrough(ctx, bob, batch, 300); !errors.Is(err, db.ErrForbidden) {
		t.Errorf("push by another user error = %v, want ErrForbidden", err)
	}

	bad := model.PlaythroughBatch{Playthrough: pt, Events: []model.PlaybackEvent{{ID: "e3", PlaythroughID: "other"}}}
	if _, err := database.PushPlaythrough(ctx, alice, bad, 300); !errors.Is(err, db.ErrInvalidBatch) {
		t.Errorf("mismatched event error = %v, want ErrInvalidBatch", err)
	}

	changes, err := database.UserChangesSince(ctx, alice, nil, 400)
	if err != nil {
		t.Fatalf("UserChangesSince: %v", err)
	}
	wantPT := *pt
	wantPT.UserID = alice
	if diff := cmp.Diff([]model.Playthrough{wantPT}, changes.Playthroughs); diff != "" {
		t.Errorf("playthroughs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(events, changes.Events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	other, err := database.UserChangesSince(ctx, bob, nil, 400)
	if err != nil {
		t.Fatalf("UserChangesSince(bob): %v", err)
	}
	if len(other.Playthroughs) != 0 || len(other.Events) != 0 {
		t.Errorf("bob sees alice's history: %+v", other)
	}
}

func TestPushKeepsNewerPlaythrough(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	user := createUser(t, database, "a@example.com")

	finished := int64(50)
	newer := &model.Playthrough{ID: "p1", MediaID: "m1", Status: model.StatusFinished, StartedAt: 1,
		FinishedAt: &finished, CreatedAt: 1, UpdatedAt: 50}
	older := &model.Playthrough{ID: "p1", MediaID: "m1", Status: model.StatusInProgress, StartedAt: 1,
		CreatedAt: 1, UpdatedAt: 20}

	for _, pt := range []*model.Playthrough{newer, older} {
		if _, err := database.PushPlaythrough(ctx, user, model.PlaythroughBatch{Playthrough: pt}, 100); err != nil {
			t.Fatalf("PushPlaythrough: %v", err)
		}
	}

	changes, err := database.UserChangesSince(ctx, user, nil, 200)
	if err != nil {
		t.Fatalf("UserChangesSince: %v", err)
	}
	if len(changes.Playthroughs) != 1 || changes.Playthroughs[0].Status != model.StatusFinished {
		t.Errorf("playthroughs = %+v, want the finished one", changes.Playthroughs)
	}
}

func TestPlayerStates(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	user := createUser(t, database, "a@example.com")

	states := []model.PlayerState{
		{MediaID: "m1", Position: 120, PlaybackRate: 1, Status: "in_progress", UpdatedAt: 20},
		{MediaID: "m1", Position: 60, PlaybackRate: 1, Status: "in_progress", UpdatedAt: 10},
	}
	for _, s := range states {
		if err := database.PutPlayerState(ctx, user, s, 100); err != nil {
			t.Fatalf("PutPlayerState: %v", err)
		}
	}

	got, err := database.GetPlayerStates(ctx, user)
	if err != nil {
		t.Fatalf("GetPlayerStates: %v", err)
	}
	if diff := cmp.Diff(states[:1], got); diff != "" {
		t.Errorf("player states mismatch (-want +got):\n%s", diff)
	}
}
