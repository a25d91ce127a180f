// Package eventloop provides the single-threaded cooperative scheduler the
// PIM core runs on. One goroutine owns all protocol state; other goroutines
// (socket readers, the operator API, the MRIB feed) hand work to the loop
// with Post and never touch core state directly.
//
// Timers are one-shot handles owned by the loop. Restarting is
// cancel-and-schedule. The time source is a clockwork.Clock so tests can
// drive the loop with a fake clock.
package eventloop

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Loop is a single-threaded event loop multiplexing posted events and timer
// expirations.
type Loop struct {
	clock clockwork.Clock
	log   *slog.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	timers  timerHeap
	running bool
}

// Config holds configuration for the event loop.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
}

// New creates a new event loop.
func New(cfg *Config) *Loop {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Loop{
		clock: cfg.Clock,
		log:   cfg.Logger,
		wake:  make(chan struct{}, 1),
	}
}

// Clock returns the loop's time source.
func (l *Loop) Clock() clockwork.Clock { return l.clock }

// Now returns the current time on the loop's clock.
func (l *Loop) Now() time.Time { return l.clock.Now() }

// Post enqueues fn to run on the loop goroutine. Safe to call from any
// goroutine, including loop callbacks.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// PostAndWait runs fn on the loop goroutine and blocks until it returns.
// Must not be called from the loop goroutine itself.
func (l *Loop) PostAndWait(fn func()) {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	<-done
}

// Run processes events and timers until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.running = true
	l.mu.Unlock()
	l.log.Debug("event loop started")
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	for {
		l.drain()

		next, ok := l.nextDeadline()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.wake:
			}
			continue
		}

		d := next.Sub(l.clock.Now())
		if d <= 0 {
			l.fireDue()
			continue
		}
		t := l.clock.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-l.wake:
			t.Stop()
		case <-t.Chan():
			l.fireDue()
		}
	}
}

// RunUntilIdle processes queued events and all due timers until there is no
// more immediate work. Intended for tests driving the loop with a fake
// clock: advance the clock, then settle.
func (l *Loop) RunUntilIdle() {
	for {
		l.drain()
		if !l.fireDue() {
			l.mu.Lock()
			idle := len(l.queue) == 0
			l.mu.Unlock()
			if idle {
				return
			}
		}
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
	}
}

func (l *Loop) nextDeadline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.timers) > 0 {
		if l.timers[0].stopped {
			heap.Pop(&l.timers)
			continue
		}
		return l.timers[0].deadline, true
	}
	return time.Time{}, false
}

// fireDue runs the callbacks of every timer whose deadline has passed.
// Returns true if at least one timer fired.
func (l *Loop) fireDue() bool {
	now := l.clock.Now()
	fired := false
	for {
		l.mu.Lock()
		if len(l.timers) == 0 {
			l.mu.Unlock()
			return fired
		}
		e := l.timers[0]
		if e.stopped {
			heap.Pop(&l.timers)
			l.mu.Unlock()
			continue
		}
		if e.deadline.After(now) {
			l.mu.Unlock()
			return fired
		}
		heap.Pop(&l.timers)
		e.stopped = true
		e.timer.scheduled = false
		l.mu.Unlock()
		fired = true
		e.timer.fn()
	}
}

// Timer is a one-shot timer owned by the loop. The zero value is not
// usable; obtain timers from NewTimer. All methods must be called on the
// loop goroutine.
type Timer struct {
	loop      *Loop
	fn        func()
	entry     *timerEntry
	scheduled bool
}

type timerEntry struct {
	deadline time.Time
	stopped  bool
	timer    *Timer
	index    int
}

// NewTimer creates a stopped timer that runs fn on the loop when it fires.
func (l *Loop) NewTimer(fn func()) *Timer {
	return &Timer{loop: l, fn: fn}
}

// Schedule arms the timer to fire after d, canceling any pending schedule.
func (t *Timer) Schedule(d time.Duration) {
	t.Stop()
	e := &timerEntry{
		deadline: t.loop.clock.Now().Add(d),
		timer:    t,
	}
	t.entry = e
	t.scheduled = true
	t.loop.mu.Lock()
	heap.Push(&t.loop.timers, e)
	t.loop.mu.Unlock()
	select {
	case t.loop.wake <- struct{}{}:
	default:
	}
}

// Stop cancels a pending schedule. Stopping an unscheduled timer is a
// no-op.
func (t *Timer) Stop() {
	if t.entry != nil {
		t.loop.mu.Lock()
		t.entry.stopped = true
		t.loop.mu.Unlock()
		t.entry = nil
	}
	t.scheduled = false
}

// Scheduled reports whether the timer is pending.
func (t *Timer) Scheduled() bool { return t.scheduled }

// Remaining returns the time left until the timer fires, or zero when the
// timer is not scheduled.
func (t *Timer) Remaining() time.Duration {
	if !t.scheduled || t.entry == nil {
		return 0
	}
	d := t.entry.deadline.Sub(t.loop.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
