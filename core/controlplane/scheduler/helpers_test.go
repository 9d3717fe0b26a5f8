package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"
)

// gateRunner blocks each run until the test sends an outcome or the run is stopped.
type gateRunner struct {
	started chan *Ticket
	release chan Outcome
}

func newGateRunner() *gateRunner {
	return &gateRunner{started: make(chan *Ticket, 16), release: make(chan Outcome, 16)}
}

func (g *gateRunner) Run(ctx context.Context, t *Ticket) {
	g.started <- t
	select {
	case o := <-g.release:
		t.Report(o)
	case <-t.Stopped():
		t.Report(Stopped())
	case <-ctx.Done():
		t.Report(Failed(ctx.Err()))
	}
}

func (g *gateRunner) awaitStart(t *testing.T) *Ticket {
	t.Helper()
	select {
	case tk := <-g.started:
		return tk
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not start")
		return nil
	}
}

// stubbornRunner ignores stop requests until its channel is closed.
type stubbornRunner struct {
	release chan struct{}
	outcome Outcome
}

func (r *stubbornRunner) Run(_ context.Context, t *Ticket) {
	<-r.release
	t.Report(r.outcome)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingStore struct {
	mu   sync.Mutex
	jobs []Job
}

func (s *recordingStore) PutJob(_ context.Context, job Job) error {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	return nil
}

func (s *recordingStore) statuses(id string) []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []JobStatus
	for _, j := range s.jobs {
		if j.ID == id {
			out = append(out, j.Status)
		}
	}
	return out
}

func waitForStatus(t *testing.T, s *Scheduler, id string, want JobStatus) Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		job, err := s.Get(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if job.Status == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s: expected %s, got %s", id, want, job.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func mustSubmit(t *testing.T, s *Scheduler, class string, r Runner) string {
	t.Helper()
	id, err := s.Submit(context.Background(), JobSpec{Class: class, Runner: r})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return id
}

func shutdown(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.Shutdown(ctx)
}
