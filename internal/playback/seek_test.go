package playback

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/theLastOfCats/audiosync/internal/model"
)

type seekFixture struct {
	clock    *fakeClock
	loop     *Loop
	player   *fakePlayer
	recorder *fakeRecorder
	seeks    *SeekCoalescer
}

func newSeekFixture(t *testing.T, position, duration, rate float64) *seekFixture {
	t.Helper()
	fx := &seekFixture{
		clock:    newFakeClock(),
		loop:     NewLoop(),
		player:   newFakePlayer(position, duration, rate),
		recorder: &fakeRecorder{},
	}
	fx.seeks = NewSeekCoalescer(fx.loop, fx.clock, fx.player, fx.recorder, SeekConfig{})
	t.Cleanup(fx.loop.Stop)
	return fx
}

func (fx *seekFixture) tap(delta float64) {
	fx.seeks.Seek(delta)
	fx.loop.Do(func() {})
}

func (fx *seekFixture) waitState(t *testing.T, want seekState) {
	t.Helper()
	waitFor(t, fx.loop, want.String()+" state", func() bool {
		var got seekState
		fx.loop.Do(func() { got = fx.seeks.state })
		return got == want
	})
}

func TestSeekCoalescesTaps(t *testing.T) {
	fx := newSeekFixture(t, 100, 3600, 1.5)

	fx.tap(10)
	fx.clock.Advance(100 * time.Millisecond)
	fx.tap(10)
	fx.clock.Advance(100 * time.Millisecond)
	fx.tap(10)

	fx.clock.Advance(700 * time.Millisecond)
	if got := fx.player.seekCalls(); len(got) != 0 {
		t.Fatalf("seek issued before the apply window closed: %v", got)
	}

	fx.clock.Advance(50 * time.Millisecond)
	waitFor(t, fx.loop, "one seek", func() bool { return len(fx.player.seekCalls()) == 1 })
	if diff := cmp.Diff([]float64{145}, fx.player.seekCalls()); diff != "" {
		t.Errorf("seekTo calls mismatch (-want +got):\n%s", diff)
	}
	if n := len(fx.recorder.recorded()); n != 0 {
		t.Fatalf("seek logged before the log window closed: %d events", n)
	}

	fx.clock.Advance(DefaultLogWindow)
	waitFor(t, fx.loop, "seek event", func() bool { return len(fx.recorder.recorded()) == 1 })

	ev := fx.recorder.recorded()[0]
	if ev.Type != model.EventSeek {
		t.Errorf("Type = %s, want seek", ev.Type)
	}
	if ev.From == nil || *ev.From != 100 || ev.To == nil || *ev.To != 145 {
		t.Errorf("seek event from=%v to=%v, want 100 -> 145", ev.From, ev.To)
	}

	fx.clock.Advance(time.Minute)
	fx.loop.Do(func() {})
	if len(fx.player.seekCalls()) != 1 || len(fx.recorder.recorded()) != 1 {
		t.Errorf("extra work after gesture: seeks=%v events=%d", fx.player.seekCalls(), len(fx.recorder.recorded()))
	}
}

func TestSeekTapsAfterApplyJoinTheLoggedGesture(t *testing.T) {
	fx := newSeekFixture(t, 100, 3600, 1)

	fx.tap(10)
	fx.clock.Advance(DefaultApplyWindow)
	waitFor(t, fx.loop, "first seek", func() bool { return len(fx.player.seekCalls()) == 1 })
	fx.waitState(t, seekIdle)

	fx.clock.Advance(time.Second)
	fx.tap(-30)
	fx.clock.Advance(DefaultApplyWindow)
	waitFor(t, fx.loop, "second seek", func() bool { return len(fx.player.seekCalls()) == 2 })

	if diff := cmp.Diff([]float64{110, 80}, fx.player.seekCalls()); diff != "" {
		t.Errorf("seekTo calls mismatch (-want +got):\n%s", diff)
	}

	fx.clock.Advance(DefaultLogWindow)
	waitFor(t, fx.loop, "seek event", func() bool { return len(fx.recorder.recorded()) == 1 })
	ev := fx.recorder.recorded()[0]
	if *ev.From != 100 || *ev.To != 80 {
		t.Errorf("seek event %v -> %v, want 100 -> 80", *ev.From, *ev.To)
	}
}

func TestSeekDropsTapsWhileApplying(t *testing.T) {
	fx := newSeekFixture(t, 100, 3600, 1)
	release := make(chan struct{})
	fx.player.block = release

	fx.tap(10)
	fx.clock.Advance(DefaultApplyWindow)
	fx.waitState(t, seekApplying)

	fx.tap(10)
	fx.tap(10)
	close(release)

	fx.waitState(t, seekIdle)
	fx.clock.Advance(time.Minute)
	waitFor(t, fx.loop, "seek event", func() bool { return len(fx.recorder.recorded()) == 1 })

	if diff := cmp.Diff([]float64{110}, fx.player.seekCalls()); diff != "" {
		t.Errorf("seekTo calls mismatch (-want +got):\n%s", diff)
	}
}

func TestSeekClampsToMedia(t *testing.T) {
	tests := []struct {
		name  string
		start float64
		delta float64
		want  float64
	}{
		{"past end", 3590, 30, 3600},
		{"before start", 5, -30, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newSeekFixture(t, tt.start, 3600, 1)
			fx.tap(tt.delta)
			fx.clock.Advance(DefaultApplyWindow)
			waitFor(t, fx.loop, "seek", func() bool { return len(fx.player.seekCalls()) == 1 })
			if got := fx.player.seekCalls()[0]; got != tt.want {
				t.Errorf("seekTo(%v), want %v", got, tt.want)
			}
		})
	}
}

func TestSeekResetDropsGesture(t *testing.T) {
	fx := newSeekFixture(t, 100, 3600, 1)

	fx.tap(10)
	fx.seeks.Reset()
	fx.clock.Advance(time.Minute)
	fx.loop.Do(func() {})

	if len(fx.player.seekCalls()) != 0 || len(fx.recorder.recorded()) != 0 {
		t.Errorf("reset gesture still produced seeks=%v events=%v", fx.player.seekCalls(), fx.recorder.recorded())
	}
}
