package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type countingMetrics struct {
	mu        sync.Mutex
	published map[string]int
	dropped   int
}

func (m *countingMetrics) IncEventsPublished(t string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.published == nil {
		m.published = map[string]int{}
	}
	m.published[t]++
}

func (m *countingMetrics) AddEventsDropped(n int) {
	m.mu.Lock()
	m.dropped += n
	m.mu.Unlock()
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return ev
}

func TestPublishAssignsSequenceAndFansOut(t *testing.T) {
	hub := NewHub(WithOrigin("node-a"))
	a := hub.Subscribe(SubscribeOptions{})
	b := hub.Subscribe(SubscribeOptions{})
	defer a.Close()
	defer b.Close()

	first := hub.Publish(Event{Type: TypeStageStarted, IngestionID: "i1"})
	second := hub.Publish(Event{Type: TypeStageCompleted, IngestionID: "i1"})
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("unexpected sequence numbers %d %d", first.Seq, second.Seq)
	}
	if first.ID == "" || first.Time.IsZero() || first.Origin != "node-a" {
		t.Fatalf("expected id, time and origin to be stamped: %+v", first)
	}
	for _, sub := range []*Subscription{a, b} {
		if ev := next(t, sub); ev.Seq != 1 {
			t.Fatalf("expected seq 1 first, got %d", ev.Seq)
		}
		if ev := next(t, sub); ev.Seq != 2 {
			t.Fatalf("expected seq 2 second, got %d", ev.Seq)
		}
	}
}

func TestPayloadIsCopiedOnPublish(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(SubscribeOptions{})
	payload := map[string]any{"stage": "resolve"}
	hub.Publish(Event{Type: TypeStageStarted, Payload: payload})
	payload["stage"] = "mutated"
	if ev := next(t, sub); ev.Payload["stage"] != "resolve" {
		t.Fatalf("expected published payload to be isolated, got %v", ev.Payload)
	}
}

func TestOverflowDropsOldestAndInsertsGap(t *testing.T) {
	m := &countingMetrics{}
	hub := NewHub(WithMetrics(m))
	slow := hub.Subscribe(SubscribeOptions{Buffer: 3})
	fast := hub.Subscribe(SubscribeOptions{Buffer: 16})

	for i := 0; i < 5; i++ {
		hub.Publish(Event{Type: TypeStageStarted, IngestionID: "i1", Payload: map[string]any{"n": i}})
	}

	gap := next(t, slow)
	if gap.Type != TypeGap || gap.Payload["missed"] != 2 {
		t.Fatalf("expected gap with 2 missed, got %+v", gap)
	}
	if gap.Seq != 2 {
		t.Fatalf("expected gap to carry last dropped seq 2, got %d", gap.Seq)
	}
	for want := uint64(3); want <= 5; want++ {
		if ev := next(t, slow); ev.Seq != want {
			t.Fatalf("expected seq %d, got %d", want, ev.Seq)
		}
	}
	for want := uint64(1); want <= 5; want++ {
		if ev := next(t, fast); ev.Seq != want {
			t.Fatalf("fast subscriber: expected seq %d, got %d", want, ev.Seq)
		}
	}
	if m.dropped != 2 || m.published[string(TypeStageStarted)] != 5 {
		t.Fatalf("unexpected metrics: dropped=%d published=%v", m.dropped, m.published)
	}
}

func TestPublishNeverBlocksOnIdleSubscriber(t *testing.T) {
	hub := NewHub()
	hub.Subscribe(SubscribeOptions{Buffer: 1})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			hub.Publish(Event{Type: TypeJobStateChanged, JobID: "j1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("publisher blocked on idle subscriber")
	}
}

func TestPerIDOrderingUnderConcurrentPublishers(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(SubscribeOptions{Buffer: 10000})
	const perID = 200
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < perID; i++ {
				hub.Publish(Event{Type: TypeStageCompleted, IngestionID: id, Payload: map[string]any{"n": i}})
			}
		}(fmt.Sprintf("ing-%d", g))
	}
	wg.Wait()

	last := map[string]int{}
	for i := 0; i < 4*perID; i++ {
		ev := next(t, sub)
		n := ev.Payload["n"].(int)
		if prev, ok := last[ev.IngestionID]; ok && n != prev+1 {
			t.Fatalf("out of order for %s: %d after %d", ev.IngestionID, n, prev)
		}
		last[ev.IngestionID] = n
	}
}

func TestFilterByIngestion(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(SubscribeOptions{Filter: Filter{IngestionID: "i2", Types: []Type{TypeStageCompleted}}})
	hub.Publish(Event{Type: TypeStageCompleted, IngestionID: "i1"})
	hub.Publish(Event{Type: TypeStageStarted, IngestionID: "i2"})
	hub.Publish(Event{Type: TypeStageCompleted, IngestionID: "i2"})
	ev := next(t, sub)
	if ev.IngestionID != "i2" || ev.Type != TypeStageCompleted {
		t.Fatalf("unexpected event %+v", ev)
	}
	if _, ok := sub.TryNext(); ok {
		t.Fatalf("expected no further events")
	}
}

func TestReplayAfterSeq(t *testing.T) {
	hub := NewHub(WithRingSize(3))
	for i := 0; i < 5; i++ {
		hub.Publish(Event{Type: TypeJobStateChanged, JobID: "j1"})
	}
	sub := hub.Subscribe(SubscribeOptions{Replay: true, AfterSeq: 3})
	if ev := next(t, sub); ev.Seq != 4 {
		t.Fatalf("expected replay from seq 4, got %d", ev.Seq)
	}
	hub.Publish(Event{Type: TypeJobStateChanged, JobID: "j1"})
	if ev := next(t, sub); ev.Seq != 5 {
		t.Fatalf("expected seq 5, got %d", ev.Seq)
	}
	if ev := next(t, sub); ev.Seq != 6 {
		t.Fatalf("expected live seq 6, got %d", ev.Seq)
	}

	all := hub.Subscribe(SubscribeOptions{Replay: true})
	if ev := next(t, all); ev.Type != TypeGap || ev.Payload["missed"] != 3 {
		t.Fatalf("expected gap for evicted 1..3, got %+v", ev)
	}
	if ev := next(t, all); ev.Seq != 4 {
		t.Fatalf("expected ring to retain last 3 (4..6), got %d", ev.Seq)
	}
}

func TestReplayPastRingReportsGap(t *testing.T) {
	hub := NewHub(WithRingSize(4))
	for i := 0; i < 10; i++ {
		hub.Publish(Event{Type: TypeStageCompleted, IngestionID: "ing-1"})
	}
	sub := hub.Subscribe(SubscribeOptions{Replay: true, AfterSeq: 2})
	defer sub.Close()

	gap := next(t, sub)
	if gap.Type != TypeGap || gap.Payload["missed"] != 4 || gap.Seq != 6 {
		t.Fatalf("expected gap covering 3..6, got %+v", gap)
	}
	for want := uint64(7); want <= 10; want++ {
		if ev := next(t, sub); ev.Seq != want || ev.Type != TypeStageCompleted {
			t.Fatalf("expected replayed seq %d, got %+v", want, ev)
		}
	}

	current := hub.Subscribe(SubscribeOptions{Replay: true, AfterSeq: 6})
	defer current.Close()
	if ev := next(t, current); ev.Type == TypeGap || ev.Seq != 7 {
		t.Fatalf("a resume point still in the ring must not report a gap, got %+v", ev)
	}
}

func TestReplayDisabled(t *testing.T) {
	hub := NewHub(WithRingSize(0))
	hub.Publish(Event{Type: TypeJobStateChanged})
	sub := hub.Subscribe(SubscribeOptions{Replay: true})
	if ev, ok := sub.TryNext(); !ok || ev.Type != TypeGap || ev.Payload["missed"] != 1 {
		t.Fatalf("expected a gap for the unretained event, got %+v", ev)
	}
	if _, ok := sub.TryNext(); ok {
		t.Fatalf("expected nothing to replay")
	}
}

func TestObserverRunsInOrderAndSurvivesPanic(t *testing.T) {
	hub := NewHub()
	var seen []uint64
	hub.Observe(func(ev Event) {
		if ev.Type == TypeStageFailed {
			panic("boom")
		}
	})
	hub.Observe(func(ev Event) { seen = append(seen, ev.Seq) })
	hub.Publish(Event{Type: TypeStageStarted})
	hub.Publish(Event{Type: TypeStageFailed})
	hub.Publish(Event{Type: TypeStageCompleted})
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Fatalf("unexpected observer calls %v", seen)
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(SubscribeOptions{})
	hub.Publish(Event{Type: TypeStageStarted})
	hub.Close()

	if ev := next(t, sub); ev.Type != TypeStageStarted {
		t.Fatalf("expected buffered event to drain after close")
	}
	if _, err := sub.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if hub.Subscribers() != 0 {
		t.Fatalf("expected no subscribers after close")
	}
	late := hub.Subscribe(SubscribeOptions{})
	if _, err := late.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed hub to hand out closed subscriptions")
	}
}

func TestAllStopsWithContext(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(SubscribeOptions{})
	defer sub.Close()
	hub.Publish(Event{Type: TypeStageStarted})
	hub.Publish(Event{Type: TypeStageCompleted})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var got []Type
	for ev := range sub.All(ctx) {
		got = append(got, ev.Type)
		if len(got) == 2 {
			cancel()
		}
	}
	if len(got) != 2 || got[1] != TypeStageCompleted {
		t.Fatalf("unexpected iteration %v", got)
	}
}

func TestSubscriptionCloseUnsubscribes(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(SubscribeOptions{})
	if hub.Subscribers() != 1 {
		t.Fatalf("expected one subscriber")
	}
	sub.Close()
	sub.Close()
	if hub.Subscribers() != 0 {
		t.Fatalf("expected subscriber removed")
	}
	if hub.LastSeq() != 0 {
		t.Fatalf("expected no events yet")
	}
}
