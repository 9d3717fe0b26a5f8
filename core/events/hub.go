package events

import (
	"maps"
	"sync"
	"time"

	"github.com/cordum/ragops/core/infra/logging"
	"github.com/google/uuid"
)

const (
	defaultBuffer   = 256
	defaultRingSize = 1024
)

// Metrics receives hub traffic counters.
type Metrics interface {
	IncEventsPublished(eventType string)
	AddEventsDropped(n int)
}

// Hub fans events out to subscribers. Publish never blocks on a subscriber:
// each one owns a bounded buffer that drops its oldest entry on overflow.
type Hub struct {
	mu        sync.Mutex
	seq       uint64
	subs      map[*Subscription]struct{}
	observers []func(Event)
	ring      []Event
	ringNext  int
	ringFull  bool
	buffer    int
	origin    string
	metrics   Metrics
	closed    bool
}

type Option func(*Hub)

// WithBuffer sets the default per-subscriber buffer size.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithRingSize sets how many recent events are retained for replay. Zero disables replay.
func WithRingSize(n int) Option {
	return func(h *Hub) {
		if n >= 0 {
			h.ring = make([]Event, n)
		}
	}
}

// WithOrigin stamps locally published events with an instance id.
func WithOrigin(origin string) Option {
	return func(h *Hub) { h.origin = origin }
}

func WithMetrics(m Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:   map[*Subscription]struct{}{},
		ring:   make([]Event, defaultRingSize),
		buffer: defaultBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Origin returns the instance id stamped on local events.
func (h *Hub) Origin() string { return h.origin }

// Observe registers fn to run for every published event, in publish order.
// Observers run under the hub lock: they must be quick and must not publish.
func (h *Hub) Observe(fn func(Event)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.observers = append(h.observers, fn)
	h.mu.Unlock()
}

// Publish assigns sequence, id and time, then delivers ev to every matching subscriber.
func (h *Hub) Publish(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if ev.Origin == "" {
		ev.Origin = h.origin
	}
	if ev.Payload != nil {
		ev.Payload = maps.Clone(ev.Payload)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ev
	}
	h.seq++
	ev.Seq = h.seq
	h.remember(ev)

	dropped := 0
	for sub := range h.subs {
		if sub.filter.Match(ev) {
			dropped += sub.push(ev)
		}
	}
	for _, fn := range h.observers {
		h.observe(fn, ev)
	}
	if h.metrics != nil {
		h.metrics.IncEventsPublished(string(ev.Type))
		h.metrics.AddEventsDropped(dropped)
	}
	return ev
}

func (h *Hub) observe(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("events", "observer panic", "type", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}

func (h *Hub) remember(ev Event) {
	if len(h.ring) == 0 {
		return
	}
	h.ring[h.ringNext] = ev
	h.ringNext = (h.ringNext + 1) % len(h.ring)
	if h.ringNext == 0 {
		h.ringFull = true
	}
}

// recent returns retained events oldest first. Caller holds h.mu.
func (h *Hub) recent() []Event {
	if !h.ringFull {
		return append([]Event(nil), h.ring[:h.ringNext]...)
	}
	out := make([]Event, 0, len(h.ring))
	out = append(out, h.ring[h.ringNext:]...)
	return append(out, h.ring[:h.ringNext]...)
}

// SubscribeOptions control a new subscription.
type SubscribeOptions struct {
	// Buffer overrides the hub default buffer size.
	Buffer int
	// Replay seeds the subscription with retained events newer than AfterSeq.
	Replay   bool
	AfterSeq uint64
	Filter   Filter
}

// Subscribe registers a subscriber. Replayed events and live events are
// delivered without gaps or duplicates because both happen under the hub lock.
func (h *Hub) Subscribe(opts SubscribeOptions) *Subscription {
	size := opts.Buffer
	if size <= 0 {
		size = h.buffer
	}
	sub := newSubscription(h, size, opts.Filter)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.markClosed()
		return sub
	}
	if opts.Replay {
		recent := h.recent()
		oldest := h.seq + 1
		if len(recent) > 0 {
			oldest = recent[0].Seq
		}
		// Events between AfterSeq and the oldest retained one are gone; the
		// subscriber sees a gap before the replay. The filter cannot be applied
		// to evicted events, so the count is an upper bound.
		if oldest > opts.AfterSeq+1 {
			sub.markMissed(int(oldest-opts.AfterSeq-1), oldest-1)
		}
		for _, ev := range recent {
			if ev.Seq > opts.AfterSeq && sub.filter.Match(ev) {
				sub.push(ev)
			}
		}
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// LastSeq returns the sequence number of the most recent event.
func (h *Hub) LastSeq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// Close ends every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = map[*Subscription]struct{}{}
	h.closed = true
	h.mu.Unlock()
	for sub := range subs {
		sub.markClosed()
	}
}
