// Package background runs periodic work such as sync on a fixed budget.
package background

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// DefaultBudget is how long one run may take before its context expires.
const DefaultBudget = 30 * time.Second

type Result int

const (
	NoData Result = iota
	NewData
	Failed
)

func (r Result) String() string {
	switch r {
	case NoData:
		return "no-data"
	case NewData:
		return "new-data"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Task is one unit of background work. It must return when ctx expires.
type Task func(ctx context.Context) Result

// Scheduler runs registered tasks no more often than their interval.
type Scheduler interface {
	Register(name string, minInterval time.Duration, task Task) error
	Unregister(name string)
}

type entry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// TickerScheduler is the in-process Scheduler used by long-running commands.
type TickerScheduler struct {
	budget time.Duration
	logger *log.Logger
	// OnResult, when set, is called after every run.
	OnResult func(name string, r Result, took time.Duration)

	mu     sync.Mutex
	tasks  map[string]*entry
	closed bool
}

var _ Scheduler = (*TickerScheduler)(nil)

func NewTickerScheduler(budget time.Duration, logger *log.Logger) *TickerScheduler {
	if budget <= 0 {
		budget = DefaultBudget
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[background] ", log.LstdFlags)
	}
	return &TickerScheduler{budget: budget, logger: logger, tasks: make(map[string]*entry)}
}

func (s *TickerScheduler) Register(name string, minInterval time.Duration, task Task) error {
	if minInterval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("scheduler closed")
	}
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("task %s already registered", name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{cancel: cancel, done: make(chan struct{})}
	s.tasks[name] = e
	go s.loop(ctx, e, name, minInterval, task)
	return nil
}

// Unregister stops the task and waits for a run in progress to return.
func (s *TickerScheduler) Unregister(name string) {
	s.mu.Lock()
	e, ok := s.tasks[name]
	delete(s.tasks, name)
	s.mu.Unlock()
	if !ok {
		return
	}
	e.cancel()
	<-e.done
}

// Close unregisters every task.
func (s *TickerScheduler) Close() {
	s.mu.Lock()
	s.closed = true
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	s.mu.Unlock()
	for _, name := range names {
		s.Unregister(name)
	}
}

func (s *TickerScheduler) loop(ctx context.Context, e *entry, name string, interval time.Duration, task Task) {
	defer close(e.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, name, task)
		}
	}
}

func (s *TickerScheduler) runOnce(ctx context.Context, name string, task Task) {
	runCtx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	start := time.Now()
	r := task(runCtx)
	took := time.Since(start)
	if r == Failed {
		s.logger.Printf("WARNING: %s run failed after %s", name, took.Round(time.Millisecond))
	}
	if s.OnResult != nil {
		s.OnResult(name, r, took)
	}
}
