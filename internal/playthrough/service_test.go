package playthrough

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/theLastOfCats/audiosync/internal/model"
)

func TestStartKeepsSingleInProgress(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first, created, err := fx.svc.Start(ctx, session, "m1")
	if err != nil || !created {
		t.Fatalf("Start() = %v, %v", created, err)
	}
	again, created, err := fx.svc.Start(ctx, session, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if created || again.ID != first.ID {
		t.Errorf("second Start created a new playthrough %s (first %s)", again.ID, first.ID)
	}

	other := model.Session{ServerURL: server, UserID: 8}
	mine, _, _ := fx.svc.Start(ctx, other, "m1")
	if mine.ID == first.ID {
		t.Error("playthroughs must be per user")
	}

	if _, err := fx.svc.Finish(ctx, session, first.ID, 10); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	next, created, err := fx.svc.Start(ctx, session, "m1")
	if err != nil || !created || next.ID == first.ID {
		t.Errorf("Start after finish = %v, %v, %v", next.ID, created, err)
	}
}

func TestFinishAndAbandon(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	pt, _, _ := fx.svc.Start(ctx, session, "m1")
	if _, err := fx.svc.Abandon(ctx, session, pt.ID, 42); err != nil {
		t.Fatalf("Abandon() error = %v", err)
	}
	got, _ := Get(ctx, fx.db, server, pt.ID)
	if got.Status != model.StatusAbandoned || got.AbandonedAt == nil {
		t.Errorf("after abandon: status=%s abandoned_at=%v", got.Status, got.AbandonedAt)
	}

	_, err := fx.svc.Finish(ctx, session, pt.ID, 50)
	if !errors.Is(err, ErrNotInProgress) {
		t.Errorf("Finish() on abandoned = %v, want ErrNotInProgress", err)
	}

	events, _ := Events(ctx, fx.db, server, pt.ID)
	if len(events) != 1 || events[0].Type != model.EventAbandon {
		t.Fatalf("events = %+v", events)
	}
	if events[0].DeviceID == nil || *events[0].DeviceID != "device-1" {
		t.Errorf("DeviceID = %v, want device-1", events[0].DeviceID)
	}
}

func TestDeleteIsSoft(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	pt, _, _ := fx.svc.Start(ctx, session, "m1")
	if err := fx.svc.Delete(ctx, session, pt.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := fx.svc.Delete(ctx, session, pt.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() = %v, want ErrNotFound", err)
	}
	if _, err := fx.svc.Active(ctx, session, "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Active() after delete = %v, want ErrNotFound", err)
	}

	list, err := fx.svc.List(ctx, session)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("List() = %d items, want 0", len(list))
	}

	got, _ := Get(ctx, fx.db, server, pt.ID)
	if got.DeletedAt == nil {
		t.Error("row should remain with deleted_at set")
	}
}

func TestPendingAndMarkSynced(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	pt, _, _ := fx.svc.Start(ctx, session, "m1")
	if _, err := fx.svc.Record(ctx, session, pt.ID, AppendParams{Type: model.EventPlay, Timestamp: 100, Position: f(0)}); err != nil {
		t.Fatal(err)
	}

	ids, err := PendingIDs(ctx, fx.db, server)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{pt.ID}, ids); diff != "" {
		t.Fatalf("PendingIDs mismatch (-want +got):\n%s", diff)
	}

	batch, err := LoadBatch(ctx, fx.db, server, pt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Events) != 1 {
		t.Fatalf("batch events = %d, want 1", len(batch.Events))
	}

	// A local edit lands while the batch is in flight.
	fx.now = fx.now.Add(time.Second)
	if _, err := fx.svc.Record(ctx, session, pt.ID, AppendParams{Type: model.EventPause, Timestamp: 200, Position: f(3)}); err != nil {
		t.Fatal(err)
	}
	if err := fx.svc.Delete(ctx, session, pt.ID); err != nil {
		t.Fatal(err)
	}

	var res MarkResult
	err = fx.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = MarkSynced(ctx, tx, server, batch, 999)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Playthrough {
		t.Error("playthrough changed mid-flight must stay pending")
	}
	if res.Events != 1 {
		t.Errorf("marked events = %d, want 1", res.Events)
	}

	next, err := LoadBatch(ctx, fx.db, server, pt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(next.Events) != 1 || next.Events[0].Type != model.EventPause {
		t.Errorf("next batch events = %+v, want only the pause", next.Events)
	}
	ids, _ = PendingIDs(ctx, fx.db, server)
	if len(ids) != 1 {
		t.Errorf("PendingIDs = %v, want the edited playthrough", ids)
	}
}

func TestEditsAfterAckArePushed(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	ack := func(id string) {
		t.Helper()
		batch, err := LoadBatch(ctx, fx.db, server, id)
		if err != nil {
			t.Fatal(err)
		}
		err = fx.db.WithTx(ctx, func(tx *sql.Tx) error {
			res, err := MarkSynced(ctx, tx, server, batch, fx.now.UnixMilli())
			if err == nil && !res.Playthrough {
				t.Errorf("playthrough %s not marked", id)
			}
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		if ids, _ := PendingIDs(ctx, fx.db, server); len(ids) != 0 {
			t.Fatalf("PendingIDs after ack = %v, want none", ids)
		}
	}

	deleted, _, _ := fx.svc.Start(ctx, session, "m1")
	ack(deleted.ID)
	// Same millisecond as the ack.
	if err := fx.svc.Delete(ctx, session, deleted.ID); err != nil {
		t.Fatal(err)
	}
	ids, _ := PendingIDs(ctx, fx.db, server)
	if diff := cmp.Diff([]string{deleted.ID}, ids); diff != "" {
		t.Errorf("delete in the ack millisecond not pending (-want +got):\n%s", diff)
	}
	ack(deleted.ID)

	finished, _, _ := fx.svc.Start(ctx, session, "m2")
	ack(finished.ID)
	before, _ := Get(ctx, fx.db, server, finished.ID)
	fx.now = fx.now.Add(-time.Minute)
	if _, err := fx.svc.Finish(ctx, session, finished.ID, 30); err != nil {
		t.Fatal(err)
	}
	after, _ := Get(ctx, fx.db, server, finished.ID)
	if after.UpdatedAt <= before.UpdatedAt {
		t.Errorf("updated_at went from %d to %d after a clock step back", before.UpdatedAt, after.UpdatedAt)
	}
	ids, _ = PendingIDs(ctx, fx.db, server)
	if diff := cmp.Diff([]string{finished.ID}, ids); diff != "" {
		t.Errorf("finish after a clock step back not pending (-want +got):\n%s", diff)
	}
}

func TestMergeRemoteLastWriteWins(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	local, _, _ := fx.svc.Start(ctx, session, "m1")

	older := local
	older.Status = model.StatusAbandoned
	older.UpdatedAt = local.UpdatedAt - 10
	remoteNew := model.Playthrough{
		ID: "remote-1", UserID: session.UserID, MediaID: "m2", Status: model.StatusFinished,
		StartedAt: 1, FinishedAt: i(5), CreatedAt: 1, UpdatedAt: 5,
	}
	ev := model.PlaybackEvent{ID: "e1", PlaythroughID: "remote-1", Type: model.EventFinish, Timestamp: 5, Position: f(12)}

	var touched []string
	err := fx.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		touched, err = fx.log.MergeRemote(ctx, tx, server, &model.UserChanges{
			Playthroughs: []model.Playthrough{older, remoteNew},
			Events:       []model.PlaybackEvent{ev},
			ServerTime:   50,
		})
		return err
	})
	if err != nil {
		t.Fatalf("MergeRemote() error = %v", err)
	}
	if len(touched) != 2 {
		t.Errorf("touched = %v", touched)
	}

	got, _ := Get(ctx, fx.db, server, local.ID)
	if got.Status != model.StatusInProgress {
		t.Errorf("older remote overwrote newer local: %s", got.Status)
	}

	remote, err := Get(ctx, fx.db, server, "remote-1")
	if err != nil {
		t.Fatal(err)
	}
	if remote.SyncedAt == nil || *remote.SyncedAt != remote.UpdatedAt {
		t.Errorf("remote row should arrive synced, got %v", remote.SyncedAt)
	}
	state, err := State(ctx, fx.db, server, "remote-1")
	if err != nil {
		t.Fatal(err)
	}
	if state.CurrentPosition != 12 {
		t.Errorf("CurrentPosition = %v, want 12", state.CurrentPosition)
	}

	ids, _ := PendingIDs(ctx, fx.db, server)
	if diff := cmp.Diff([]string{local.ID}, ids); diff != "" {
		t.Errorf("only the local playthrough should be pending (-want +got):\n%s", diff)
	}
}
