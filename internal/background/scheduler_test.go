package background

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/theLastOfCats/audiosync/internal/model"
	"github.com/theLastOfCats/audiosync/internal/syncer"
)

func TestTickerSchedulerRunsWithBudget(t *testing.T) {
	s := NewTickerScheduler(20*time.Millisecond, nil)
	defer s.Close()

	results := make(chan Result, 8)
	s.OnResult = func(name string, r Result, _ time.Duration) { results <- r }

	err := s.Register("slow", 5*time.Millisecond, func(ctx context.Context) Result {
		<-ctx.Done()
		return Failed
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Register("slow", time.Second, nil); err == nil {
		t.Error("duplicate Register succeeded")
	}

	select {
	case r := <-results:
		if r != Failed {
			t.Errorf("result = %s, want failed", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}

	s.Unregister("slow")
	if err := s.Register("slow", time.Second, func(context.Context) Result { return NoData }); err != nil {
		t.Errorf("Register after Unregister error = %v", err)
	}
}

type fakeSyncer map[string]struct {
	out syncer.Outcome
	err error
}

func (f fakeSyncer) Sync(_ context.Context, s model.Session) (syncer.Outcome, error) {
	r := f[s.ServerURL]
	return r.out, r.err
}

func TestSyncTaskResult(t *testing.T) {
	changed := syncer.Outcome{Library: syncer.PhaseResult{Changed: 3}}
	broken := syncer.Outcome{Push: syncer.PhaseResult{Err: errors.New("offline")}}

	fake := fakeSyncer{
		"a": {out: changed},
		"b": {out: broken},
		"c": {},
		"d": {err: errors.New("no client")},
	}
	tests := []struct {
		name    string
		servers []string
		want    Result
	}{
		{"nothing new", []string{"c"}, NoData},
		{"new data", []string{"a", "c"}, NewData},
		{"phase failure", []string{"b", "c"}, Failed},
		{"setup failure", []string{"d"}, Failed},
		{"new data beats failure", []string{"a", "b"}, NewData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := func() []model.Session {
				var out []model.Session
				for _, s := range tt.servers {
					out = append(out, model.Session{ServerURL: s})
				}
				return out
			}
			if got := SyncTask(fake, sessions, nil)(context.Background()); got != tt.want {
				t.Errorf("SyncTask() = %s, want %s", got, tt.want)
			}
		})
	}
}
