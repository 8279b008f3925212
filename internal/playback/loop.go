package playback

import (
	"sync"
)

// Loop runs posted functions one at a time on a single goroutine. State owned
// by the loop needs no locking as long as every mutation is posted.
type Loop struct {
	tasks chan func()
	done  chan struct{}

	mu      sync.Mutex
	stopped bool
}

func NewLoop() *Loop {
	l := &Loop{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for fn := range l.tasks {
		fn()
	}
}

// Post queues fn. It reports false once the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.tasks <- fn
	return true
}

// Do runs fn on the loop and waits for it. It must not be called from the
// loop itself.
func (l *Loop) Do(fn func()) {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return
	}
	<-finished
}

// Stop drains queued work and terminates the loop goroutine.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	close(l.tasks)
	l.mu.Unlock()
	<-l.done
}
