package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/theLastOfCats/audiosync/internal/model"
	"github.com/theLastOfCats/audiosync/internal/playthrough"
	"github.com/theLastOfCats/audiosync/internal/store"
)

const server = "https://books.example"

var session = model.Session{ServerURL: server, Token: "t", UserID: 7}

// fakeRemote is an in-memory server. Responses are keyed by the since value
// the coordinator sends.
type fakeRemote struct {
	mu sync.Mutex

	library    func(since *int64) (*model.LibraryChanges, error)
	user       func(since *int64) (*model.UserChanges, error)
	pushErr    map[string]error
	serverTime int64

	libraryCalls []*int64
	userCalls    []*int64
	pushed       []model.PlaythroughBatch
	states       []model.PlayerState

	// block, when set, holds LibraryChanges until closed.
	block   chan struct{}
	entered chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		library:    func(*int64) (*model.LibraryChanges, error) { return &model.LibraryChanges{ServerTime: 1000}, nil },
		user:       func(*int64) (*model.UserChanges, error) { return &model.UserChanges{ServerTime: 1000}, nil },
		pushErr:    map[string]error{},
		serverTime: 5000,
	}
}

func copyPtr(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func (r *fakeRemote) LibraryChanges(ctx context.Context, since *int64) (*model.LibraryChanges, error) {
	r.mu.Lock()
	r.libraryCalls = append(r.libraryCalls, copyPtr(since))
	block, entered, fn := r.block, r.entered, r.library
	r.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return fn(since)
}

func (r *fakeRemote) UserChanges(_ context.Context, since *int64) (*model.UserChanges, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userCalls = append(r.userCalls, copyPtr(since))
	return r.user(since)
}

func (r *fakeRemote) PushPlaythrough(_ context.Context, batch model.PlaythroughBatch) (model.PushResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.pushErr[batch.Playthrough.ID]; err != nil {
		return model.PushResult{}, err
	}
	r.pushed = append(r.pushed, batch)
	return model.PushResult{PlaythroughID: batch.Playthrough.ID, Accepted: len(batch.Events), ServerTime: r.serverTime}, nil
}

func (r *fakeRemote) PutPlayerState(_ context.Context, st model.PlayerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
	return nil
}

func (r *fakeRemote) calls() (lib, user int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.libraryCalls), len(r.userCalls)
}

var errOffline = errors.New("offline")

type fixture struct {
	db     *store.DB
	log    *playthrough.Log
	svc    *playthrough.Service
	remote *fakeRemote
	coord  *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "replica.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fx := &fixture{db: db, remote: newFakeRemote()}
	fx.log = playthrough.NewLog(db, nil)
	fx.svc = playthrough.NewService(db, fx.log, "device-1")
	fx.coord = New(db, fx.log, Config{
		NewRemote: func(model.Session) (Remote, error) { return fx.remote, nil },
	})
	return fx
}
