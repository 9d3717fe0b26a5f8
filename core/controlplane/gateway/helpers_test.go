package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cordum/ragops/core/controlplane/scheduler"
	"github.com/cordum/ragops/core/events"
	"github.com/cordum/ragops/core/infra/config"
	"github.com/cordum/ragops/core/infra/manifests"
	infraMetrics "github.com/cordum/ragops/core/infra/metrics"
	"github.com/cordum/ragops/core/infra/vectorindex"
	"github.com/cordum/ragops/core/ingest"
	"github.com/cordum/ragops/core/ingest/chunk"
	"github.com/cordum/ragops/core/ingest/embed"
	"github.com/cordum/ragops/core/ingest/resolve"
)

type testEnv struct {
	sched     *scheduler.Scheduler
	hub       *events.Hub
	orch      *ingest.Orchestrator
	manifests *manifests.MemoryStore
	registry *infraMetrics.Registry
	srv      *Server
	http     *httptest.Server
	gate     *gateResolver
}

type envOptions struct {
	gatewayYAML string
	apiKeys     string
	globalLimit int
	ringSize    int
	// gated makes every resolve block until env.gate.open is called.
	gated   bool
	now     func() time.Time
	journal JobJournal
	ingest  func(Ingestor) Ingestor
	checks  []ReadinessCheck
	// noManifestIndex leaves Deps.Manifests unset.
	noManifestIndex bool
}

func newEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	gwCfg, err := config.ParseGateway([]byte(opts.gatewayYAML))
	if err != nil {
		t.Fatalf("parse gateway config: %v", err)
	}
	if opts.globalLimit == 0 {
		opts.globalLimit = 4
	}
	reg := infraMetrics.New("ragops")
	hubOpts := []events.Option{events.WithMetrics(reg)}
	if opts.ringSize > 0 {
		hubOpts = append(hubOpts, events.WithRingSize(opts.ringSize))
	}
	hub := events.NewHub(hubOpts...)
	sched := scheduler.New(scheduler.Options{GlobalLimit: opts.globalLimit, Events: hub, Metrics: reg})
	env := &testEnv{sched: sched, hub: hub, registry: reg, manifests: manifests.NewMemoryStore()}

	var resolver ingest.SourceResolver = resolve.New(resolve.Options{})
	if opts.gated {
		env.gate = newGateResolver(resolver)
		resolver = env.gate
	}
	orch, err := ingest.New(sched, ingest.Capabilities{
		Resolver:  resolver,
		Chunker:   chunk.New(),
		Embedder:  embed.NewHashing(16),
		Index:     vectorindex.NewMemory(0),
		Manifests: env.manifests,
	}, ingest.Options{MaxChunkSize: gwCfg.Pipeline.MaxChunkSize, Events: hub, Metrics: reg})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	env.orch = orch

	auth, err := NewAPIKeyAuth(opts.apiKeys)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	var ing Ingestor = orch
	if opts.ingest != nil {
		ing = opts.ingest(orch)
	}
	var index ManifestIndex
	if !opts.noManifestIndex {
		index = env.manifests
	}
	srv, err := NewServer(Deps{
		Ingest:         ing,
		Jobs:           sched,
		Journal:        opts.journal,
		Manifests:      index,
		Events:         hub,
		Auth:           auth,
		Metrics:        reg,
		MetricsHandler: reg.Handler(),
		Config:         gwCfg,
		Checks:         opts.checks,
		Now:            opts.now,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	env.srv = srv
	env.http = httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		if env.gate != nil {
			env.gate.open()
		}
		hub.Close()
		env.http.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})
	return env
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r response) json(t *testing.T) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(r.body, &out); err != nil {
		t.Fatalf("decode %d body %q: %v", r.status, r.body, err)
	}
	return out
}

// errorCode returns error.code from an error envelope.
func (r response) errorCode(t *testing.T) string {
	t.Helper()
	env := r.json(t)
	errObj, ok := env["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %s", r.body)
	}
	code, _ := errObj["code"].(string)
	return code
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return response{status: resp.StatusCode, header: resp.Header, body: data}
}

func (e *testEnv) ingest(t *testing.T, headers map[string]string) (ingestionID, jobID string) {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/rag/ingest", `{"tenant":"t1","inputs":[{"type":"text","content":"Hello"}]}`, headers)
	if resp.status != http.StatusOK {
		t.Fatalf("ingest: expected 200, got %d %s", resp.status, resp.body)
	}
	out := resp.json(t)
	ingestionID, _ = out["ingestionId"].(string)
	jobID, _ = out["jobId"].(string)
	if ingestionID == "" || jobID == "" {
		t.Fatalf("ingest response missing ids: %s", resp.body)
	}
	return ingestionID, jobID
}

func (e *testEnv) waitState(t *testing.T, id string, want ingest.State) ingest.Context {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		ic, err := e.orch.Status(id)
		if err == nil && ic.State == want {
			return ic
		}
		if time.Now().After(deadline) {
			t.Fatalf("ingestion %s: expected state %s, got %+v (err %v)", id, want, ic, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (e *testEnv) waitJob(t *testing.T, id string, want scheduler.JobStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		job, err := e.sched.Get(id)
		if err == nil && job.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s: expected %s, got %+v (err %v)", id, want, job, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// gateResolver blocks every resolve until open is called.
type gateResolver struct {
	inner   ingest.SourceResolver
	release chan struct{}
	once    sync.Once
	started chan string
}

func newGateResolver(inner ingest.SourceResolver) *gateResolver {
	return &gateResolver{inner: inner, release: make(chan struct{}), started: make(chan string, 16)}
}

func (g *gateResolver) Resolve(ctx context.Context, in ingest.Input) (ingest.ResolvedSource, error) {
	select {
	case g.started <- in.Content:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return ingest.ResolvedSource{}, ctx.Err()
	}
	return g.inner.Resolve(ctx, in)
}

func (g *gateResolver) open() { g.once.Do(func() { close(g.release) }) }

func (g *gateResolver) awaitStart(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(3 * time.Second):
		t.Fatalf("resolver never started")
	}
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// blockingIngestor stalls Manifest until its context ends or unblock is closed.
type blockingIngestor struct {
	Ingestor
	unblock chan struct{}
	sawDone chan struct{}
}

func (b *blockingIngestor) Manifest(ctx context.Context, id string) (ingest.Manifest, error) {
	select {
	case <-ctx.Done():
		close(b.sawDone)
		<-b.unblock
	case <-b.unblock:
	}
	return ingest.Manifest{IngestionID: id}, nil
}

type stubJournal struct {
	jobs    map[string]scheduler.Job
	history map[string][]string
}

func (j *stubJournal) GetJob(_ context.Context, id string) (scheduler.Job, error) {
	job, ok := j.jobs[id]
	if !ok {
		return scheduler.Job{}, scheduler.ErrJobNotFound
	}
	return job, nil
}

func (j *stubJournal) JobHistory(_ context.Context, id string) ([]string, error) {
	return j.history[id], nil
}

// ListRecentJobs orders by UpdatedAt, newest first.
func (j *stubJournal) ListRecentJobs(_ context.Context, limit int64) ([]scheduler.Job, error) {
	out := make([]scheduler.Job, 0, len(j.jobs))
	for _, job := range j.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.After(out[b].UpdatedAt) })
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (j *stubJournal) ListJobsByStatus(ctx context.Context, status scheduler.JobStatus, limit int64) ([]scheduler.Job, error) {
	all, _ := j.ListRecentJobs(ctx, int64(len(j.jobs)))
	var out []scheduler.Job
	for i := len(all) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		if all[i].Status == status {
			out = append(out, all[i])
		}
	}
	return out, nil
}
