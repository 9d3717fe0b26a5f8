package events

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"
)

// ErrClosed is returned by Next after the subscription or its hub is closed.
var ErrClosed = errors.New("subscription closed")

// Subscription is a bounded, drop-oldest queue of events for one consumer.
type Subscription struct {
	hub    *Hub
	filter Filter

	mu          sync.Mutex
	buf         []Event
	head        int
	size        int
	capacity    int
	missed      int
	lastDropped uint64

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(h *Hub, capacity int, filter Filter) *Subscription {
	return &Subscription{
		hub:      h,
		filter:   filter,
		buf:      make([]Event, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// push enqueues ev and reports how many events were dropped to make room.
func (s *Subscription) push(ev Event) int {
	dropped := 0
	s.mu.Lock()
	if s.size == s.capacity {
		old := s.buf[s.head]
		s.buf[s.head] = Event{}
		s.head = (s.head + 1) % s.capacity
		s.size--
		s.missed++
		s.lastDropped = old.Seq
		dropped = 1
	}
	s.buf[(s.head+s.size)%s.capacity] = ev
	s.size++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (s *Subscription) markMissed(n int, lastSeq uint64) {
	s.mu.Lock()
	s.missed += n
	s.lastDropped = lastSeq
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pop returns the next event, a gap marker first if anything was dropped.
func (s *Subscription) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missed > 0 {
		gap := Event{
			Seq:     s.lastDropped,
			Type:    TypeGap,
			Time:    time.Now().UTC(),
			Payload: map[string]any{"missed": s.missed},
		}
		s.missed = 0
		return gap, true
	}
	if s.size == 0 {
		return Event{}, false
	}
	ev := s.buf[s.head]
	s.buf[s.head] = Event{}
	s.head = (s.head + 1) % s.capacity
	s.size--
	return ev, true
}

// Next blocks until an event is available, ctx ends or the subscription closes.
// Buffered events are still drained after Close.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		if ev, ok := s.pop(); ok {
			return ev, nil
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.done:
			if ev, ok := s.pop(); ok {
				return ev, nil
			}
			return Event{}, ErrClosed
		}
	}
}

// TryNext returns a buffered event without blocking.
func (s *Subscription) TryNext() (Event, bool) {
	return s.pop()
}

// All yields events until ctx ends, the subscription closes or the loop breaks.
func (s *Subscription) All(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			ev, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// Ready is signalled whenever new events may be available.
func (s *Subscription) Ready() <-chan struct{} { return s.notify }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close detaches the subscription from its hub.
func (s *Subscription) Close() {
	if s.hub != nil {
		s.hub.unsubscribe(s)
	}
	s.markClosed()
}

func (s *Subscription) markClosed() {
	s.closeOnce.Do(func() { close(s.done) })
}
