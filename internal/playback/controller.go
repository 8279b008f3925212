package playback

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

type Config struct {
	ApplyWindow    time.Duration
	LogWindow      time.Duration
	FallbackWindow time.Duration
	Logger         *log.Logger
}

// Controller owns the loop for one loaded media item and routes user commands
// and engine notifications into the coalescer and consolidator.
type Controller struct {
	loop         *Loop
	clock        Clock
	player       Player
	recorder     Recorder
	seeks        *SeekCoalescer
	playPause    *Consolidator
	logger       *log.Logger
	onQueueEnded func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController starts consuming player events. Call Close to stop.
func NewController(clock Clock, player Player, recorder Recorder, cfg Config) *Controller {
	if clock == nil {
		clock = RealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[playback] ", log.LstdFlags)
	}

	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		loop:     loop,
		clock:    clock,
		player:   player,
		recorder: recorder,
		seeks: NewSeekCoalescer(loop, clock, player, recorder, SeekConfig{
			ApplyWindow: cfg.ApplyWindow,
			LogWindow:   cfg.LogWindow,
			Logger:      logger,
		}),
		playPause: NewConsolidator(loop, clock, player, recorder, ConsolidatorConfig{
			FallbackWindow: cfg.FallbackWindow,
			Logger:         logger,
		}),
		logger: logger,
		cancel: cancel,
	}

	c.wg.Add(1)
	go c.consume(ctx)
	return c
}

// OnQueueEnded registers a hook run on the loop after the end of media has
// been recorded.
func (c *Controller) OnQueueEnded(fn func()) {
	c.loop.Do(func() { c.onQueueEnded = fn })
}

func (c *Controller) Play()  { c.playPause.Play() }
func (c *Controller) Pause() { c.playPause.Pause() }

// SeekBy jumps by delta seconds, coalescing with nearby taps.
func (c *Controller) SeekBy(delta float64) { c.seeks.Seek(delta) }

// Toggle plays when paused and pauses when playing, judged by the pending
// command or else the last canonical state.
func (c *Controller) Toggle() {
	c.loop.Post(func() {
		playing := c.playPause.lastEmitted != nil && *c.playPause.lastEmitted
		if c.playPause.expected != nil {
			playing = *c.playPause.expected
		}
		c.playPause.command(!playing)
	})
}

func (c *Controller) consume(ctx context.Context) {
	defer c.wg.Done()
	events := c.player.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handle(ev)
		}
	}
}

func (c *Controller) handle(ev PlayerEvent) {
	switch ev.Kind {
	case StateChanged:
		c.playPause.Observe(ev.Playing)
	case RemotePlay:
		c.playPause.Play()
	case RemotePause:
		c.playPause.Pause()
	case RemoteJump:
		c.seeks.Seek(ev.Delta)
	case QueueEnded:
		c.loop.Post(c.queueEnded)
	default:
		c.logger.Printf("WARNING: ignoring player event %s", ev.Kind)
	}
}

// queueEnded closes the listening span at the end of the media. Finishing is
// left to the hook; reaching the end is only a signal.
func (c *Controller) queueEnded() {
	c.playPause.cancelFallback()
	c.playPause.expected = nil
	c.playPause.emit(false, true)
	if c.onQueueEnded != nil {
		c.onQueueEnded()
	}
}

// Close stops event consumption and the loop. A seek gesture in progress is
// applied and logged, and a commanded play or pause still awaiting its
// confirmation is recorded, without waiting for their windows. Safe to call
// more than once.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
	c.loop.Do(c.seeks.applyNow)
	c.seeks.applyWG.Wait()
	c.loop.Do(func() {
		c.seeks.flush()
		c.playPause.flush()
	})
	c.loop.Stop()
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, ev Event) error

func (f RecorderFunc) Record(ctx context.Context, ev Event) error { return f(ctx, ev) }
