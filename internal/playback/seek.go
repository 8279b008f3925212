package playback

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/theLastOfCats/audiosync/internal/model"
)

const (
	DefaultApplyWindow = 750 * time.Millisecond
	DefaultLogWindow   = 5 * time.Second
)

type seekState int

const (
	seekIdle seekState = iota
	seekAccumulating
	seekApplying
)

func (s seekState) String() string {
	switch s {
	case seekIdle:
		return "idle"
	case seekAccumulating:
		return "accumulating"
	case seekApplying:
		return "applying"
	default:
		return "unknown"
	}
}

type SeekConfig struct {
	ApplyWindow time.Duration
	LogWindow   time.Duration
	Logger      *log.Logger
}

// SeekCoalescer merges repeated relative seeks. Taps within the apply window
// are summed and applied as one absolute seek from the position at the first
// tap. A separate, longer log window produces one seek event per gesture,
// covering every apply that happened inside it.
//
// All fields are owned by the loop.
type SeekCoalescer struct {
	loop     *Loop
	clock    Clock
	player   Player
	recorder Recorder
	cfg      SeekConfig
	logger   *log.Logger

	state   seekState
	base    float64
	acc     float64
	applyWG sync.WaitGroup

	applyGen   uint64
	applyTimer Timer

	logGen     uint64
	logTimer   Timer
	logFrom    *float64
	logTo      *float64
	logPending bool
}

func NewSeekCoalescer(loop *Loop, clock Clock, player Player, recorder Recorder, cfg SeekConfig) *SeekCoalescer {
	if cfg.ApplyWindow <= 0 {
		cfg.ApplyWindow = DefaultApplyWindow
	}
	if cfg.LogWindow <= 0 {
		cfg.LogWindow = DefaultLogWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[seek] ", log.LstdFlags)
	}
	return &SeekCoalescer{
		loop:     loop,
		clock:    clock,
		player:   player,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
	}
}

// Seek requests a relative jump of delta seconds. Safe from any goroutine.
func (c *SeekCoalescer) Seek(delta float64) {
	c.loop.Post(func() { c.tap(delta) })
}

// Reset drops any gesture in progress without seeking or logging.
func (c *SeekCoalescer) Reset() {
	c.loop.Post(c.reset)
}

func (c *SeekCoalescer) reset() {
	c.stopTimers()
	c.applyGen++
	c.logGen++
	c.state = seekIdle
	c.acc = 0
	c.logFrom, c.logTo = nil, nil
	c.logPending = false
}

func (c *SeekCoalescer) stopTimers() {
	if c.applyTimer != nil {
		c.applyTimer.Stop()
		c.applyTimer = nil
	}
	if c.logTimer != nil {
		c.logTimer.Stop()
		c.logTimer = nil
	}
}

func (c *SeekCoalescer) tap(delta float64) {
	switch c.state {
	case seekApplying:
		// Dropped, not queued.
		c.logger.Printf("dropping seek %+.1fs while a seek is applying", delta)
		return
	case seekIdle:
		c.base = c.player.Progress().Position
		c.acc = 0
		c.state = seekAccumulating
		if c.logFrom == nil {
			from := c.base
			c.logFrom = &from
		}
	}
	c.acc += delta

	c.applyGen++
	gen := c.applyGen
	if c.applyTimer != nil {
		c.applyTimer.Stop()
	}
	c.applyTimer = c.clock.AfterFunc(c.cfg.ApplyWindow, func() {
		c.loop.Post(func() { c.applyExpired(gen) })
	})

	c.logGen++
	lgen := c.logGen
	if c.logTimer != nil {
		c.logTimer.Stop()
	}
	c.logTimer = c.clock.AfterFunc(c.cfg.LogWindow, func() {
		c.loop.Post(func() { c.logExpired(lgen) })
	})
}

func (c *SeekCoalescer) applyExpired(gen uint64) {
	if gen != c.applyGen || c.state != seekAccumulating {
		return
	}
	c.applyTimer = nil

	progress := c.player.Progress()
	rate := c.player.Rate()
	if rate <= 0 {
		rate = 1
	}
	target := clamp(c.base+c.acc*rate, 0, progress.Duration)

	c.state = seekApplying
	c.applyWG.Add(1)
	go func() {
		defer c.applyWG.Done()
		err := c.player.SeekTo(context.Background(), target)
		c.loop.Post(func() { c.applied(gen, target, err) })
	}()
}

// applyNow starts the pending apply without waiting for its window.
func (c *SeekCoalescer) applyNow() {
	if c.state != seekAccumulating {
		return
	}
	if c.applyTimer != nil {
		c.applyTimer.Stop()
	}
	c.applyExpired(c.applyGen)
}

// flush ends the gesture, logging whatever was applied so far.
func (c *SeekCoalescer) flush() {
	from, to := c.logFrom, c.logTo
	c.reset()
	c.logFrom, c.logTo = from, to
	c.emit()
}

func (c *SeekCoalescer) applied(gen uint64, target float64, err error) {
	if gen != c.applyGen || c.state != seekApplying {
		return
	}
	c.state = seekIdle
	c.acc = 0
	if err != nil {
		c.logger.Printf("ERROR: seek to %.1fs failed: %v", target, err)
	} else {
		c.logTo = &target
	}
	if c.logPending {
		c.logPending = false
		c.emit()
	}
}

func (c *SeekCoalescer) logExpired(gen uint64) {
	if gen != c.logGen {
		return
	}
	c.logTimer = nil
	if c.state != seekIdle {
		c.logPending = true
		return
	}
	c.emit()
}

func (c *SeekCoalescer) emit() {
	from, to := c.logFrom, c.logTo
	c.logFrom, c.logTo = nil, nil
	if from == nil || to == nil {
		return
	}
	ev := Event{
		Type:     model.EventSeek,
		At:       c.clock.Now(),
		Position: *to,
		Rate:     c.player.Rate(),
		From:     from,
		To:       to,
	}
	if err := c.recorder.Record(context.Background(), ev); err != nil {
		c.logger.Printf("ERROR: failed to record seek %.1f -> %.1f: %v", *from, *to, err)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}
