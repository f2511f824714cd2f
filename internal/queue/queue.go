// Package queue implements the bounded FIFO admission queue (C7) that the
// downstream pool applies to each call once the circuit breaker has admitted
// it. When the downstream concurrency limit is saturated, callers wait here
// for a slot rather than being rejected outright, up to a configurable
// capacity and per-entry deadline.
//
// Admission uses a per-entry waker channel rather than polling: Acquire
// blocks on its own channel until a holder's release func frees a slot and
// wakes the head of the line, or until its deadline elapses. This is the resolution recorded
// for the design's queue-timeout open question.
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/toolbroker/orchestrator/internal/toolerrors"
)

// Config configures a Queue.
type Config struct {
	// Capacity bounds the number of entries waiting (not counting the ones
	// currently holding a slot).
	Capacity int
	// Slots is the number of concurrent admissions allowed through at once.
	Slots int
	// Timeout is the maximum time an entry may wait before being rejected
	// with KindQueueTimeout.
	Timeout time.Duration
}

type waiter struct {
	wake chan struct{}
}

// Queue is a bounded FIFO admission gate.
type Queue struct {
	mu       sync.Mutex // queue-write: guards every field below
	capacity int
	timeout  time.Duration
	inUse    int
	slots    int
	waiters  *list.List // of *waiter

	stopSweep chan struct{}
	sweepOnce sync.Once

	now func() time.Time
}

// New constructs a Queue. Slots defaults to 1, Capacity to 64, Timeout to 30s.
func New(cfg Config) *Queue {
	slots := cfg.Slots
	if slots <= 0 {
		slots = 1
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 64
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Queue{
		capacity: capacity,
		slots:    slots,
		timeout:  timeout,
		waiters:  list.New(),
		now:      time.Now,
	}
}

// Acquire blocks until a slot is available, ctx is cancelled, the queue's
// timeout elapses, or the queue is full (in which case it returns
// immediately with KindQueueFull rather than waiting). On success it returns
// a release func that MUST be called exactly once to free the slot.
func (q *Queue) Acquire(ctx context.Context) (release func(), err error) {
	q.mu.Lock()
	if q.inUse < q.slots {
		q.inUse++
		q.mu.Unlock()
		return q.releaseFunc(), nil
	}
	if q.waiters.Len() >= q.capacity {
		q.mu.Unlock()
		return nil, toolerrors.New(toolerrors.KindQueueFull, "admission queue is full")
	}
	w := &waiter{wake: make(chan struct{}, 1)}
	elem := q.waiters.PushBack(w)
	q.mu.Unlock()

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case <-w.wake:
		return q.releaseFunc(), nil
	case <-timer.C:
		q.mu.Lock()
		q.waiters.Remove(elem)
		q.mu.Unlock()
		select {
		case <-w.wake:
			// Woken concurrently with the timer firing: honor the slot
			// instead of discarding it.
			return q.releaseFunc(), nil
		default:
			return nil, toolerrors.New(toolerrors.KindQueueTimeout, "timed out waiting for a connection slot")
		}
	case <-ctx.Done():
		q.mu.Lock()
		q.waiters.Remove(elem)
		q.mu.Unlock()
		select {
		case <-w.wake:
			return q.releaseFunc(), nil
		default:
			return nil, ctx.Err()
		}
	}
}

func (q *Queue) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(q.release)
	}
}

func (q *Queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inUse--
	q.wakeNextLocked()
}

// wakeNextLocked hands the freed slot directly to the head waiter rather
// than decrementing inUse and letting it race with new arrivals, so FIFO
// order is preserved exactly.
func (q *Queue) wakeNextLocked() {
	for {
		front := q.waiters.Front()
		if front == nil {
			return
		}
		q.waiters.Remove(front)
		w := front.Value.(*waiter)
		q.inUse++
		select {
		case w.wake <- struct{}{}:
			return
		default:
			// Waiter already timed out and is no longer listening; undo the
			// reservation and try the next one.
			q.inUse--
		}
	}
}

// Len reports the number of entries currently waiting (not counting active
// holders), for metrics and tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiters.Len()
}

// InUse reports the number of currently held slots.
func (q *Queue) InUse() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inUse
}

// StartSweep periodically runs cleanupExpired, which drops waiters that
// still hold an unconsumed wake signal. Waiters record no deadline; each
// Acquire removes its own waiter when its timer fires or its context is
// cancelled. Idempotent; only the first call starts the goroutine.
func (q *Queue) StartSweep(interval time.Duration) {
	q.mu.Lock()
	if q.stopSweep != nil {
		q.mu.Unlock()
		return
	}
	q.stopSweep = make(chan struct{})
	stop := q.stopSweep
	q.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.cleanupExpired()
			case <-stop:
				return
			}
		}
	}()
}

// cleanupExpired is a best-effort compaction pass; correctness does not
// depend on it running, since Acquire already removes its own waiter on
// timeout or cancellation.
func (q *Queue) cleanupExpired() {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next *list.Element
	for e := q.waiters.Front(); e != nil; e = next {
		next = e.Next()
		w := e.Value.(*waiter)
		select {
		case <-w.wake:
			// Already woken but never consumed: drop it.
			q.waiters.Remove(e)
		default:
		}
	}
}

// Stop halts the background sweep goroutine, if started.
func (q *Queue) Stop() {
	q.sweepOnce.Do(func() {
		q.mu.Lock()
		stop := q.stopSweep
		q.mu.Unlock()
		if stop != nil {
			close(stop)
		}
	})
}
