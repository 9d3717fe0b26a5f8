package ingest_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cordum/ragops/core/controlplane/scheduler"
	"github.com/cordum/ragops/core/events"
	"github.com/cordum/ragops/core/infra/manifests"
	"github.com/cordum/ragops/core/infra/vectorindex"
	"github.com/cordum/ragops/core/ingest"
	"github.com/cordum/ragops/core/ingest/chunk"
	"github.com/cordum/ragops/core/ingest/embed"
	"github.com/cordum/ragops/core/ingest/resolve"
)

type harness struct {
	sched     *scheduler.Scheduler
	hub       *events.Hub
	index     *recordingIndex
	manifests *manifests.MemoryStore
	orch      *ingest.Orchestrator
}

type harnessOptions struct {
	globalLimit int
	maxChunk    int
	now         func() time.Time
	caps        func(*ingest.Capabilities)
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.globalLimit == 0 {
		opts.globalLimit = 4
	}
	hub := events.NewHub()
	sched := scheduler.New(scheduler.Options{GlobalLimit: opts.globalLimit, Events: hub})
	h := &harness{
		sched:     sched,
		hub:       hub,
		index:     &recordingIndex{Memory: vectorindex.NewMemory(0)},
		manifests: manifests.NewMemoryStore(),
	}
	caps := ingest.Capabilities{
		Resolver:  resolve.New(resolve.Options{}),
		Chunker:   chunk.New(),
		Embedder:  embed.NewHashing(16),
		Index:     h.index,
		Manifests: h.manifests,
	}
	if opts.caps != nil {
		opts.caps(&caps)
	}
	orch, err := ingest.New(sched, caps, ingest.Options{MaxChunkSize: opts.maxChunk, Events: hub, Now: opts.now})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	h.orch = orch
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
		hub.Close()
	})
	return h
}

func (h *harness) ingest(t *testing.T, tenant string, inputs ...ingest.Input) ingest.Context {
	t.Helper()
	if len(inputs) == 0 {
		inputs = []ingest.Input{{Type: "text", Content: "Hello"}}
	}
	c, err := h.orch.Ingest(context.Background(), ingest.Request{Tenant: tenant, Inputs: inputs})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return c
}

func (h *harness) waitState(t *testing.T, id string, want ingest.State) ingest.Context {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c, err := h.orch.Status(id)
		if err != nil {
			t.Fatalf("status %s: %v", id, err)
		}
		if c.State == want {
			return c
		}
		if time.Now().After(deadline) {
			t.Fatalf("ingestion %s: expected state %s, got %s (error %q)", id, want, c.State, c.Error)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitJob(t *testing.T, id string, want scheduler.JobStatus) scheduler.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		job, err := h.sched.Get(id)
		if err != nil {
			t.Fatalf("get job %s: %v", id, err)
		}
		if job.Status == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s: expected %s, got %s", id, want, job.Status)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// gateResolver blocks the first resolve until release is closed.
type gateResolver struct {
	inner   ingest.SourceResolver
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
	once    sync.Once
}

func newGateResolver() *gateResolver {
	return &gateResolver{
		inner:   resolve.New(resolve.Options{}),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gateResolver) Resolve(ctx context.Context, in ingest.Input) (ingest.ResolvedSource, error) {
	if g.calls.Add(1) == 1 {
		g.once.Do(func() { close(g.started) })
		select {
		case <-g.release:
		case <-ctx.Done():
			return ingest.ResolvedSource{}, ctx.Err()
		}
	}
	return g.inner.Resolve(ctx, in)
}

func (g *gateResolver) awaitStart(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("resolver did not start")
	}
}

// flakyEmbedder fails the first failures calls.
type flakyEmbedder struct {
	inner    ingest.Embedder
	failures int32
	calls    atomic.Int32
}

func (f *flakyEmbedder) Embed(ctx context.Context, c ingest.Chunk) ([]float32, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("embedding backend unavailable")
	}
	return f.inner.Embed(ctx, c)
}

// recordingIndex notes rollback calls on top of the in-memory index.
type recordingIndex struct {
	*vectorindex.Memory
	mu       sync.Mutex
	restored []string
	deleted  []string
}

func (r *recordingIndex) RestoreSnapshot(ctx context.Context, ref string) error {
	r.mu.Lock()
	r.restored = append(r.restored, ref)
	r.mu.Unlock()
	return r.Memory.RestoreSnapshot(ctx, ref)
}

func (r *recordingIndex) DeleteIngestion(ctx context.Context, tenant, id string) error {
	r.mu.Lock()
	r.deleted = append(r.deleted, id)
	r.mu.Unlock()
	return r.Memory.DeleteIngestion(ctx, tenant, id)
}

func (r *recordingIndex) calls() (restored, deleted []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.restored...), append([]string(nil), r.deleted...)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func nextEvent(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next event: %v", err)
	}
	return ev
}

// blockingManifests holds every Save until release is closed, like a stuck backend.
type blockingManifests struct {
	*manifests.MemoryStore
	started  chan struct{}
	release  chan struct{}
	once     sync.Once
	saves    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newBlockingManifests() *blockingManifests {
	return &blockingManifests{
		MemoryStore: manifests.NewMemoryStore(),
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (b *blockingManifests) Save(ctx context.Context, m ingest.Manifest) error {
	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		seen := b.maxSeen.Load()
		if n <= seen || b.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	b.saves.Add(1)
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.MemoryStore.Save(ctx, m)
}

func (b *blockingManifests) awaitStart(t *testing.T) {
	t.Helper()
	select {
	case <-b.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("manifest save did not start")
	}
}

// startReconciler runs an aggressive reconciler and returns a func that stops it.
func startReconciler(sched *scheduler.Scheduler) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		scheduler.NewReconciler(sched, time.Millisecond, time.Millisecond, 0, 5*time.Millisecond).Start(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}
