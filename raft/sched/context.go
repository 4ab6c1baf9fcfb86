// Package sched provides the single-threaded actor primitive every raft
// subsystem is built on: a Context pins a subsystem's state to one
// goroutine, and all cross-subsystem calls are submitted as tasks that run
// serially, in submission order, on that goroutine. It also schedules
// one-shot and repeating timers (elections, heartbeats, quorum checks)
// onto the same goroutine so timer callbacks never race with task
// execution.
package sched

import (
	"container/heap"
	"sync"
	"time"
)

// Context is a serial executor. Submitted funcs run in submission order, on
// a single goroutine owned by the Context, never concurrently with each
// other.
type Context struct {
	name string

	tasks chan func()

	mu       sync.Mutex
	timers   timerHeap
	timerAdd chan *timerEntry
	stop     chan struct{}
	stopped  chan struct{}
	once     sync.Once
}

// NewContext creates and starts a Context. name is used only for
// diagnostics (logging, metrics labels).
func NewContext(name string) *Context {
	c := &Context{
		name:     name,
		tasks:    make(chan func(), 256),
		timerAdd: make(chan *timerEntry, 16),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go c.run()
	return c
}

// Name returns the diagnostic name this Context was created with.
func (c *Context) Name() string { return c.name }

// Submit enqueues fn to run on the Context's goroutine. Submit never blocks
// the caller on fn's execution; it only blocks briefly if the task queue is
// full.
func (c *Context) Submit(fn func()) {
	select {
	case c.tasks <- fn:
	case <-c.stopped:
	}
}

// Schedule runs fn once after d has elapsed, on the Context's goroutine.
// It returns a Cancel func; calling it before fn fires prevents fn from
// running.
func (c *Context) Schedule(d time.Duration, fn func()) (cancel func()) {
	te := &timerEntry{at: time.Now().Add(d), fn: fn}
	select {
	case c.timerAdd <- te:
	case <-c.stopped:
	}
	return func() {
		c.mu.Lock()
		te.cancelled = true
		c.mu.Unlock()
	}
}

// SchedulePeriodic runs fn repeatedly until the returned cancel func is
// called or the Context stops, waiting interval() before each run; interval
// is called again for every run. The leader's heartbeat and quorum-check
// loops use this.
func (c *Context) SchedulePeriodic(interval func() time.Duration, fn func()) (cancel func()) {
	var cancelled bool
	var mu sync.Mutex
	var cur func()

	var tick func()
	tick = func() {
		mu.Lock()
		if cancelled {
			mu.Unlock()
			return
		}
		mu.Unlock()
		fn()
		mu.Lock()
		if !cancelled {
			cur = c.Schedule(interval(), tick)
		}
		mu.Unlock()
	}
	mu.Lock()
	cur = c.Schedule(interval(), tick)
	mu.Unlock()

	return func() {
		mu.Lock()
		cancelled = true
		if cur != nil {
			cur()
		}
		mu.Unlock()
	}
}

// Stop drains pending timers and stops the Context's goroutine. Tasks
// already enqueued are run before the goroutine exits; tasks submitted
// after Stop returns are silently dropped.
func (c *Context) Stop() {
	c.once.Do(func() {
		close(c.stop)
		<-c.stopped
	})
}

func (c *Context) run() {
	defer close(c.stopped)
	heap.Init(&c.timers)

	for {
		var fireCh <-chan time.Time
		var timer *time.Timer
		if len(c.timers) > 0 {
			d := time.Until(c.timers[0].at)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			fireCh = timer.C
		}

		select {
		case <-c.stop:
			if timer != nil {
				timer.Stop()
			}
			c.drainTasks()
			return
		case fn := <-c.tasks:
			if timer != nil {
				timer.Stop()
			}
			fn()
		case te := <-c.timerAdd:
			if timer != nil {
				timer.Stop()
			}
			heap.Push(&c.timers, te)
		case <-fireCh:
			te := heap.Pop(&c.timers).(*timerEntry)
			if !te.cancelled {
				te.fn()
			}
		}
	}
}

func (c *Context) drainTasks() {
	for {
		select {
		case fn := <-c.tasks:
			fn()
		default:
			return
		}
	}
}

type timerEntry struct {
	at        time.Time
	fn        func()
	cancelled bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Future is a single-assignment result cell, completed from a Context's
// goroutine and observed from any other.
type Future[T any] struct {
	done   chan struct{}
	once   sync.Once
	value  T
	err    error
}

// NewFuture creates an incomplete Future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Complete sets the Future's result. Only the first call has any effect.
func (f *Future[T]) Complete(value T, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the Future is complete and returns its result.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.value, f.err
}

// Done returns a channel closed once the Future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}
