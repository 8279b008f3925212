package playback

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SimPlayer is a software engine whose position advances with its clock while
// playing. It confirms every command through its event stream and reports
// QueueEnded at the end of the media, like a native engine would.
type SimPlayer struct {
	clock    Clock
	duration float64
	events   chan PlayerEvent

	mu        sync.Mutex
	position  float64
	rate      float64
	playing   bool
	since     time.Time
	endTimer  Timer
	confirmed bool
}

func NewSimPlayer(clock Clock, duration, position, rate float64) *SimPlayer {
	if rate <= 0 {
		rate = 1
	}
	return &SimPlayer{
		clock:     clock,
		duration:  duration,
		events:    make(chan PlayerEvent, 32),
		position:  position,
		rate:      rate,
		confirmed: true,
	}
}

// SetConfirmations toggles whether Play and Pause emit StateChanged events.
func (p *SimPlayer) SetConfirmations(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmed = on
}

func (p *SimPlayer) positionLocked() float64 {
	pos := p.position
	if p.playing {
		pos += p.clock.Now().Sub(p.since).Seconds() * p.rate
	}
	if p.duration > 0 && pos > p.duration {
		pos = p.duration
	}
	return pos
}

func (p *SimPlayer) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Progress{Position: p.positionLocked(), Duration: p.duration}
}

func (p *SimPlayer) Rate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}

// SetRate changes the playback rate without emitting an event.
func (p *SimPlayer) SetRate(rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rate <= 0 {
		return
	}
	p.position = p.positionLocked()
	p.since = p.clock.Now()
	p.rate = rate
	p.armEndLocked()
}

func (p *SimPlayer) SeekTo(ctx context.Context, position float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if position < 0 || (p.duration > 0 && position > p.duration) {
		return fmt.Errorf("seek position %.1f out of range", position)
	}
	p.position = position
	p.since = p.clock.Now()
	p.armEndLocked()
	return nil
}

func (p *SimPlayer) Play(ctx context.Context) error {
	return p.setPlaying(ctx, true)
}

func (p *SimPlayer) Pause(ctx context.Context) error {
	return p.setPlaying(ctx, false)
}

func (p *SimPlayer) setPlaying(ctx context.Context, playing bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	changed := p.playing != playing
	if changed {
		p.position = p.positionLocked()
		p.since = p.clock.Now()
		p.playing = playing
		p.armEndLocked()
	}
	confirm := changed && p.confirmed
	p.mu.Unlock()

	if confirm {
		p.send(PlayerEvent{Kind: StateChanged, Playing: playing})
	}
	return nil
}

// Interrupt pauses playback as if the OS took audio focus away.
func (p *SimPlayer) Interrupt() {
	p.mu.Lock()
	was := p.playing
	if was {
		p.position = p.positionLocked()
		p.playing = false
		p.armEndLocked()
	}
	p.mu.Unlock()
	if was {
		p.send(PlayerEvent{Kind: StateChanged, Playing: false})
	}
}

func (p *SimPlayer) armEndLocked() {
	if p.endTimer != nil {
		p.endTimer.Stop()
		p.endTimer = nil
	}
	if !p.playing || p.duration <= 0 {
		return
	}
	remaining := (p.duration - p.position) / p.rate
	p.endTimer = p.clock.AfterFunc(time.Duration(remaining*float64(time.Second)), p.ended)
}

func (p *SimPlayer) ended() {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return
	}
	p.position = p.duration
	p.playing = false
	p.endTimer = nil
	p.mu.Unlock()
	p.send(PlayerEvent{Kind: QueueEnded})
}

// send drops the event when the buffer is full.
func (p *SimPlayer) send(ev PlayerEvent) {
	select {
	case p.events <- ev:
	default:
	}
}

func (p *SimPlayer) Events() <-chan PlayerEvent {
	return p.events
}
