package playback

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/theLastOfCats/audiosync/internal/model"
)

func waitSeekState(t *testing.T, ctrl *Controller, want seekState) {
	t.Helper()
	waitFor(t, ctrl.loop, want.String()+" state", func() bool {
		var got seekState
		ctrl.loop.Do(func() { got = ctrl.seeks.state })
		return got == want
	})
}

func TestControllerWithSimPlayer(t *testing.T) {
	clock := newFakeClock()
	player := NewSimPlayer(clock, 60, 0, 1)
	recorder := &fakeRecorder{}
	ctrl := NewController(clock, player, recorder, Config{})
	defer ctrl.Close()

	ended := make(chan struct{})
	ctrl.OnQueueEnded(func() { close(ended) })

	ctrl.Play()
	waitFor(t, ctrl.loop, "play event", func() bool { return len(recorder.recorded()) == 1 })
	clock.Advance(time.Second)
	ctrl.loop.Do(func() {})
	if n := len(recorder.recorded()); n != 1 {
		t.Fatalf("confirmed play produced %d events, want 1", n)
	}

	clock.Advance(9 * time.Second)
	if got := player.Progress().Position; got != 10 {
		t.Errorf("Position = %v, want 10", got)
	}

	player.events <- PlayerEvent{Kind: RemoteJump, Delta: 30}
	waitSeekState(t, ctrl, seekAccumulating)
	clock.Advance(DefaultApplyWindow)
	waitSeekState(t, ctrl, seekIdle)
	if got := player.Progress().Position; got != 40 {
		t.Fatalf("Position after jump = %v, want 40", got)
	}

	clock.Advance(time.Minute)
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("queue-ended hook not called")
	}

	waitFor(t, ctrl.loop, "seek and end events", func() bool { return len(recorder.recorded()) == 3 })
	events := recorder.recorded()
	want := []model.EventType{model.EventPlay, model.EventSeek, model.EventPause}
	for i, typ := range want {
		if events[i].Type != typ {
			t.Errorf("event %d = %s, want %s", i, events[i].Type, typ)
		}
	}
	if events[2].Position != 60 {
		t.Errorf("end position = %v, want 60", events[2].Position)
	}
}

func TestControllerRoutesInterruption(t *testing.T) {
	clock := newFakeClock()
	player := NewSimPlayer(clock, 600, 0, 1)
	recorder := &fakeRecorder{}
	ctrl := NewController(clock, player, recorder, Config{})
	defer ctrl.Close()

	ctrl.Toggle()
	waitFor(t, ctrl.loop, "play", func() bool { return len(recorder.recorded()) == 1 })

	clock.Advance(5 * time.Second)
	player.Interrupt()
	waitFor(t, ctrl.loop, "interruption", func() bool { return len(recorder.recorded()) == 2 })

	ev := recorder.recorded()[1]
	if ev.Type != model.EventPause || !ev.External {
		t.Errorf("interruption recorded as %+v, want external pause", ev)
	}
	if ev.Position != 5 {
		t.Errorf("Position = %v, want 5", ev.Position)
	}
}

func TestCloseFlushesPendingWork(t *testing.T) {
	clock := newFakeClock()
	player := newFakePlayer(100, 3600, 1)
	recorder := &fakeRecorder{}
	ctrl := NewController(clock, player, recorder, Config{})

	ctrl.Play()
	ctrl.SeekBy(30)
	ctrl.loop.Do(func() {})
	ctrl.Close()
	ctrl.Close()

	if diff := cmp.Diff([]float64{130}, player.seekCalls()); diff != "" {
		t.Errorf("seekTo calls mismatch (-want +got):\n%s", diff)
	}
	events := recorder.recorded()
	if len(events) != 2 {
		t.Fatalf("recorded %d events, want seek and play: %+v", len(events), events)
	}
	if ev := events[0]; ev.Type != model.EventSeek || *ev.From != 100 || *ev.To != 130 {
		t.Errorf("first event = %+v, want seek 100 -> 130", ev)
	}
	if ev := events[1]; ev.Type != model.EventPlay || ev.External {
		t.Errorf("second event = %+v, want own play", ev)
	}
}
