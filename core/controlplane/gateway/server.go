package gateway

import (
	"context"
	"embed"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/cordum/ragops/core/controlplane/scheduler"
	"github.com/cordum/ragops/core/events"
	"github.com/cordum/ragops/core/infra/apierr"
	"github.com/cordum/ragops/core/infra/config"
	infraMetrics "github.com/cordum/ragops/core/infra/metrics"
	"github.com/cordum/ragops/core/infra/schema"
	"github.com/cordum/ragops/core/ingest"
)

const (
	schemaIngestRequest = "ingest-request"
	schemaBatchAction   = "batch-action"
	// Smaller bodies are sent uncompressed.
	gzipMinSize = 1000
)

//go:embed schemas/*.json
var requestSchemaFS embed.FS

var requestSchemas = map[string]string{
	schemaIngestRequest: "schemas/ingest_request.schema.json",
	schemaBatchAction:   "schemas/batch_action.schema.json",
}

// Ingestor is the orchestrator surface the REST handlers call.
type Ingestor interface {
	Ingest(ctx context.Context, req ingest.Request) (ingest.Context, error)
	Status(id string) (ingest.Context, error)
	Phases(id string) ([]ingest.PhaseRecord, error)
	Manifest(ctx context.Context, id string) (ingest.Manifest, error)
	List(tenant string) []ingest.Context
	Cancel(ctx context.Context, id string) (ingest.Context, error)
	Rollback(ctx context.Context, id string) (ingest.Context, error)
}

// JobAdmin is the scheduler surface behind /ops/batch.
type JobAdmin interface {
	Get(id string) (scheduler.Job, error)
	Snapshot() scheduler.Snapshot
	Cancel(ctx context.Context, id string) (scheduler.Job, error)
	Requeue(ctx context.Context, id string) (scheduler.Job, error)
	Hold(ctx context.Context, id string) (scheduler.Job, error)
	Release(ctx context.Context, id string) (scheduler.Job, error)
}

// JobJournal is the durable job history kept outside the process.
type JobJournal interface {
	GetJob(ctx context.Context, id string) (scheduler.Job, error)
	JobHistory(ctx context.Context, id string) ([]string, error)
	ListRecentJobs(ctx context.Context, limit int64) ([]scheduler.Job, error)
	ListJobsByStatus(ctx context.Context, status scheduler.JobStatus, limit int64) ([]scheduler.Job, error)
}

// ManifestIndex lists saved manifests per tenant, including those of
// ingestions the orchestrator no longer holds.
type ManifestIndex interface {
	ListByTenant(ctx context.Context, tenant string, limit int64) ([]string, error)
	Load(ctx context.Context, id string) (ingest.Manifest, error)
}

// EventSource feeds the push streams.
type EventSource interface {
	Subscribe(opts events.SubscribeOptions) *events.Subscription
}

// Deps wires a Server. Ingest, Jobs and Events are required.
type Deps struct {
	Ingest Ingestor
	Jobs   JobAdmin
	// Journal is optional; it serves jobs the scheduler already pruned.
	Journal JobJournal
	// Manifests is optional; it lists archived ingestions per tenant.
	Manifests ManifestIndex
	Events    EventSource
	Auth      AuthProvider
	Metrics infraMetrics.GatewayMetrics
	// MetricsHandler serves /ops/metrics. Nil answers 404.
	MetricsHandler http.Handler
	Config         *config.GatewayConfig
	// AllowedOrigins extends Config.AllowedOrigins. "*" allows any origin.
	AllowedOrigins []string
	// Checks run on /health/ready next to the built-in scheduler check.
	Checks []ReadinessCheck
	Now    func() time.Time
}

// Server is the HTTP surface of the ingestion service.
type Server struct {
	ingest  Ingestor
	jobs    JobAdmin
	journal   JobJournal
	manifests ManifestIndex
	events    EventSource
	auth      AuthProvider
	metrics   infraMetrics.GatewayMetrics
	promh     http.Handler
	cfg       *config.GatewayConfig
	schemas   *schema.Set
	limiter   *rateLimiter
	origins   originPolicy
	checks    []ReadinessCheck
	compress  func(http.Handler) http.HandlerFunc
	now       func() time.Time
	started   time.Time
	mux       *http.ServeMux
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

type route struct {
	method  string
	pattern string
	role    Role
	schema  string
	// stream routes hold the connection open and skip the request deadline.
	stream bool
	handle handlerFunc
}

func NewServer(d Deps) (*Server, error) {
	if d.Ingest == nil || d.Jobs == nil || d.Events == nil {
		return nil, fmt.Errorf("gateway requires ingest, jobs and events")
	}
	cfg := d.Config
	if cfg == nil {
		cfg, _ = config.ParseGateway(nil)
	}
	if d.Auth == nil {
		auth, err := NewAPIKeyAuth("")
		if err != nil {
			return nil, err
		}
		d.Auth = auth
	}
	if d.Metrics == nil {
		d.Metrics = infraMetrics.Noop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	set := schema.NewSet()
	for id, path := range requestSchemas {
		data, err := requestSchemaFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load schema %s: %w", id, err)
		}
		if err := set.Add(id, data); err != nil {
			return nil, err
		}
	}
	compress, err := gzhttp.NewWrapper(gzhttp.MinSize(gzipMinSize))
	if err != nil {
		return nil, fmt.Errorf("gzip wrapper: %w", err)
	}
	s := &Server{
		ingest:    d.Ingest,
		jobs:      d.Jobs,
		journal:   d.Journal,
		manifests: d.Manifests,
		events:    d.Events,
		auth:      d.Auth,
		metrics:   d.Metrics,
		promh:     d.MetricsHandler,
		cfg:       cfg,
		schemas:   set,
		limiter:   newRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, d.Now),
		origins:   newOriginPolicy(append(append([]string{}, cfg.AllowedOrigins...), d.AllowedOrigins...)),
		checks:    d.Checks,
		compress:  compress,
		now:       d.Now,
		started:   d.Now().UTC(),
		mux:       http.NewServeMux(),
	}
	s.register()
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() []route {
	return []route{
		{method: http.MethodGet, pattern: "/health", handle: s.handleHealth},
		{method: http.MethodGet, pattern: "/health/ready", handle: s.handleReady},
		{method: http.MethodGet, pattern: "/ops/metrics", handle: s.handleMetrics},

		{method: http.MethodPost, pattern: "/rag/ingest", role: RoleOperator, schema: schemaIngestRequest, handle: s.handleIngest},
		{method: http.MethodGet, pattern: "/rag/ingest", role: RoleViewer, handle: s.handleListIngestions},
		{method: http.MethodGet, pattern: "/rag/ingest/{id}/status", role: RoleViewer, handle: s.handleStatus},
		{method: http.MethodGet, pattern: "/rag/ingest/{id}/manifest", role: RoleViewer, handle: s.handleManifest},
		{method: http.MethodGet, pattern: "/rag/ingest/{id}/phases", role: RoleViewer, handle: s.handlePhases},
		{method: http.MethodPost, pattern: "/rag/ingest/{id}/rollback", role: RoleOperator, handle: s.handleRollback},
		{method: http.MethodPost, pattern: "/rag/ingest/{id}/cancel", role: RoleOperator, handle: s.handleCancelIngestion},

		{method: http.MethodGet, pattern: "/rag/events", role: RoleViewer, stream: true, handle: s.handleEventStream},
		{method: http.MethodGet, pattern: "/rag/events/ws", role: RoleViewer, stream: true, handle: s.handleEventSocket},

		{method: http.MethodGet, pattern: "/ops/batch", role: RoleViewer, handle: s.handleBatchSnapshot},
		{method: http.MethodPost, pattern: "/ops/batch", role: RoleOperator, schema: schemaBatchAction, handle: s.handleBatchAction},
		{method: http.MethodGet, pattern: "/ops/batch/{id}", role: RoleViewer, handle: s.handleGetJob},
		{method: http.MethodGet, pattern: "/ops/batch/{id}/history", role: RoleViewer, handle: s.handleJobHistory},
	}
}

// register mounts every route both bare and under a /{version} prefix.
func (s *Server) register() {
	for _, rt := range s.routes() {
		h := s.chain(rt)
		s.mux.Handle(rt.method+" "+rt.pattern, h)
		s.mux.Handle(rt.method+" /{version}"+rt.pattern, h)
	}
	preflight := route{method: http.MethodOptions, pattern: "/", handle: func(http.ResponseWriter, *http.Request) error {
		return apierr.New(apierr.KindNotFound, "ROUTE_NOT_FOUND", "no route for preflight")
	}}
	s.mux.Handle("OPTIONS /", s.chain(preflight))
	fallback := route{pattern: "/", handle: func(_ http.ResponseWriter, r *http.Request) error {
		return apierr.New(apierr.KindNotFound, "ROUTE_NOT_FOUND", "no route for "+r.Method+" "+r.URL.Path)
	}}
	s.mux.Handle("/", s.chain(fallback))
}

// chain applies the middleware in request order: compression, correlation
// id, deadline, CORS, body, version, auth, rate limit, schema, then the
// handler. Metrics wrap everything so they record every outcome. Streams are
// never compressed.
func (s *Server) chain(rt route) http.Handler {
	var h http.Handler = s.dispatch(rt)
	h = s.validateBody(rt, h)
	h = s.rateLimit(rt, h)
	h = s.authenticate(rt, h)
	h = s.negotiateVersion(h)
	h = s.parseBody(h)
	h = s.cors(h)
	if !rt.stream {
		h = s.deadline(h)
	}
	h = s.correlate(h)
	if !rt.stream {
		h = s.compress(h)
	}
	return s.instrumented(rt, h)
}

// dispatch runs the handler and maps a returned error onto the envelope.
func (s *Server) dispatch(rt route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := rt.handle(w, r); err != nil {
			s.writeError(w, r, err)
		}
	})
}

func routeLabel(rt route) string {
	if rt.method == "" {
		return "unmatched"
	}
	return strings.TrimSpace(rt.pattern)
}
