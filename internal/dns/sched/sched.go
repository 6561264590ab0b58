// Package sched provides the single timer service driving zone transfer
// polling. Callbacks run one at a time on the scheduler goroutine and may
// reschedule or cancel other events, including the one currently firing.
package sched

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/vcunat/knot-dns/internal/dns/common/clock"
)

// Callback is invoked when an event becomes due. It receives the event so it
// can reschedule itself, the way a RETRY timer re-arms after every poll.
type Callback func(e *Event)

// Event is one scheduled callback. Events keep millisecond granularity; finer
// durations are truncated at scheduling time.
type Event struct {
	Data any

	cb    Callback
	at    time.Time
	index int // heap position, -1 when not queued
	done  bool
}

type eventHeap []*Event

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *eventHeap) Push(x any)         { e := x.(*Event); e.index = len(*h); *h = append(*h, e) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler owns the timer queue. One Run loop services all events.
type Scheduler struct {
	mu      sync.Mutex
	queue   eventHeap
	clk     clock.Clock
	wake    chan struct{}
	stopped bool
}

// New creates a Scheduler using the given clock for due-time computation.
func New(clk clock.Clock) *Scheduler {
	return &Scheduler{
		clk:  clk,
		wake: make(chan struct{}, 1),
	}
}

// Schedule registers cb to fire after the given delay and returns its handle.
// Returns nil once the scheduler has stopped.
func (s *Scheduler) Schedule(cb Callback, data any, after time.Duration) *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	e := &Event{
		Data:  data,
		cb:    cb,
		at:    s.clk.Now().Add(after.Truncate(time.Millisecond)),
		index: -1,
	}
	heap.Push(&s.queue, e)
	s.kick()
	return e
}

// Reschedule re-arms an event for a new delay, whether or not it has already
// fired. Rescheduling from inside the event's own callback is the steady-state
// polling pattern.
func (s *Scheduler) Reschedule(e *Event, after time.Duration) {
	if e == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	e.at = s.clk.Now().Add(after.Truncate(time.Millisecond))
	e.done = false
	if e.index >= 0 {
		heap.Fix(&s.queue, e.index)
	} else {
		heap.Push(&s.queue, e)
	}
	s.kick()
}

// Cancel removes an event from the queue. Cancelling nil, an already-fired or
// an already-cancelled event is a no-op; it is safe to race against the
// event's own fire.
func (s *Scheduler) Cancel(e *Event) {
	if e == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.done || e.index < 0 {
		e.done = true
		return
	}
	heap.Remove(&s.queue, e.index)
	e.done = true
}

// Run services the queue until ctx is cancelled. Callbacks execute on this
// goroutine without the scheduler lock held.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration = time.Hour
		if len(s.queue) > 0 {
			wait = s.queue[0].at.Sub(s.clk.Now())
		}
		s.mu.Unlock()

		if wait > 0 {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				s.stop()
				return
			case <-s.wake:
				continue
			case <-timer.C:
			}
		}

		for {
			e := s.popDue()
			if e == nil {
				break
			}
			e.cb(e)
		}

		select {
		case <-ctx.Done():
			s.stop()
			return
		default:
		}
	}
}

// popDue removes and returns the earliest due event, marking it fired so a
// concurrent Cancel observes it as already retired.
func (s *Scheduler) popDue() *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 || s.queue[0].at.After(s.clk.Now()) {
		return nil
	}
	e := heap.Pop(&s.queue).(*Event)
	e.done = true
	return e
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
}

// kick wakes the Run loop after a queue change. Caller holds the lock.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued events.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
