package playback

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/theLastOfCats/audiosync/internal/model"
)

const DefaultFallbackWindow = 40 * time.Millisecond

type ConsolidatorConfig struct {
	FallbackWindow time.Duration
	Logger         *log.Logger
}

// Consolidator turns play/pause commands and engine observations into one
// canonical event per transition. A command records the direction it expects
// before the engine is driven; the matching observation confirms it. When no
// confirmation arrives within the fallback window the event is emitted anyway.
// Observations nobody asked for are emitted immediately as external.
//
// All fields are owned by the loop.
type Consolidator struct {
	loop     *Loop
	clock    Clock
	player   Player
	recorder Recorder
	fallback time.Duration
	logger   *log.Logger

	expected    *bool
	gen         uint64
	timer       Timer
	lastEmitted *bool

	// Engine calls leave the loop but must reach the engine in command order.
	engineMu      sync.Mutex
	engineQueue   []bool
	engineRunning bool
}

func NewConsolidator(loop *Loop, clock Clock, player Player, recorder Recorder, cfg ConsolidatorConfig) *Consolidator {
	if cfg.FallbackWindow <= 0 {
		cfg.FallbackWindow = DefaultFallbackWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[playpause] ", log.LstdFlags)
	}
	return &Consolidator{
		loop:     loop,
		clock:    clock,
		player:   player,
		recorder: recorder,
		fallback: cfg.FallbackWindow,
		logger:   logger,
	}
}

func (c *Consolidator) Play()  { c.Command(true) }
func (c *Consolidator) Pause() { c.Command(false) }

// Command drives the engine toward playing or paused. Safe from any goroutine.
func (c *Consolidator) Command(playing bool) {
	c.loop.Post(func() { c.command(playing) })
}

// Observe reports a transition seen by the engine. Safe from any goroutine,
// including the engine's own callback thread.
func (c *Consolidator) Observe(playing bool) {
	c.loop.Post(func() { c.observe(playing) })
}

// Reset forgets pending expectations and the last emitted state.
func (c *Consolidator) Reset() {
	c.loop.Post(func() {
		c.cancelFallback()
		c.expected = nil
		c.lastEmitted = nil
	})
}

func (c *Consolidator) command(playing bool) {
	c.cancelFallback()
	c.expected = &playing

	c.gen++
	gen := c.gen
	c.timer = c.clock.AfterFunc(c.fallback, func() {
		c.loop.Post(func() { c.fallbackExpired(gen) })
	})

	c.sendToEngine(playing)
}

// sendToEngine queues a command for the engine. A single drain goroutine runs
// while the queue is non-empty, so commands are delivered one at a time in
// the order they were issued.
func (c *Consolidator) sendToEngine(playing bool) {
	c.engineMu.Lock()
	defer c.engineMu.Unlock()
	c.engineQueue = append(c.engineQueue, playing)
	if c.engineRunning {
		return
	}
	c.engineRunning = true
	go c.drainEngine()
}

func (c *Consolidator) drainEngine() {
	for {
		c.engineMu.Lock()
		if len(c.engineQueue) == 0 {
			c.engineRunning = false
			c.engineMu.Unlock()
			return
		}
		playing := c.engineQueue[0]
		c.engineQueue = c.engineQueue[1:]
		c.engineMu.Unlock()

		var err error
		if playing {
			err = c.player.Play(context.Background())
		} else {
			err = c.player.Pause(context.Background())
		}
		if err != nil {
			c.logger.Printf("ERROR: engine rejected %s: %v", direction(playing), err)
		}
	}
}

func (c *Consolidator) observe(playing bool) {
	if c.expected != nil && *c.expected == playing {
		c.cancelFallback()
		c.expected = nil
		c.emit(playing, false)
		return
	}
	c.emit(playing, true)
}

func (c *Consolidator) fallbackExpired(gen uint64) {
	if gen != c.gen || c.expected == nil {
		return
	}
	playing := *c.expected
	c.expected = nil
	c.timer = nil
	c.emit(playing, false)
}

// flush emits a commanded transition still waiting on its confirmation.
func (c *Consolidator) flush() {
	if c.expected == nil {
		return
	}
	playing := *c.expected
	c.cancelFallback()
	c.expected = nil
	c.emit(playing, false)
}

func (c *Consolidator) cancelFallback() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// emit records the transition unless it only repeats the last emitted state,
// which is how a confirmation arriving after the fallback is absorbed.
func (c *Consolidator) emit(playing, external bool) {
	if c.lastEmitted != nil && *c.lastEmitted == playing {
		return
	}
	c.lastEmitted = &playing

	typ := model.EventPause
	if playing {
		typ = model.EventPlay
	}
	ev := Event{
		Type:     typ,
		At:       c.clock.Now(),
		Position: c.player.Progress().Position,
		Rate:     c.player.Rate(),
		External: external,
	}
	if err := c.recorder.Record(context.Background(), ev); err != nil {
		c.logger.Printf("ERROR: failed to record %s: %v", typ, err)
	}
}

func direction(playing bool) string {
	if playing {
		return "play"
	}
	return "pause"
}
