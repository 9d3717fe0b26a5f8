package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cordum/ragops/core/controlplane/scheduler"
	"github.com/cordum/ragops/core/events"
	"github.com/cordum/ragops/core/infra/bus"
	"github.com/cordum/ragops/core/infra/config"
	"github.com/cordum/ragops/core/infra/logging"
	"github.com/cordum/ragops/core/infra/manifests"
	"github.com/cordum/ragops/core/infra/memory"
	infraMetrics "github.com/cordum/ragops/core/infra/metrics"
	"github.com/cordum/ragops/core/infra/safety"
	"github.com/cordum/ragops/core/infra/vectorindex"
	"github.com/cordum/ragops/core/ingest"
	"github.com/cordum/ragops/core/ingest/chunk"
	"github.com/cordum/ragops/core/ingest/embed"
	"github.com/cordum/ragops/core/ingest/resolve"
	"github.com/cordum/ragops/packages/providers/ollama"
)

const (
	metricsNamespace = "ragops"
	// Finished jobs and ingestions are kept in process this long.
	jobRetention = 24 * time.Hour
)

var errNatsDisconnected = errors.New("nats disconnected")

// Run starts the gateway with API keys from cfg.
func Run(ctx context.Context, cfg *config.Config) error {
	return RunWithAuth(ctx, cfg, nil)
}

// RunWithAuth wires every component and serves HTTP and gRPC until ctx ends.
// A nil provider authenticates with the keys in cfg.APIKeys.
func RunWithAuth(ctx context.Context, cfg *config.Config, provider AuthProvider) error {
	if cfg == nil {
		cfg = config.Load()
	}
	gwCfg, err := config.LoadGateway(cfg.GatewayConfigPath)
	if err != nil {
		logging.Warn("gateway", "gateway config not loaded, using defaults", "path", cfg.GatewayConfigPath, "error", err)
	}
	schedCfg, err := config.LoadScheduler(cfg.SchedulerConfigPath)
	if err != nil {
		logging.Warn("gateway", "scheduler config not loaded, using defaults", "path", cfg.SchedulerConfigPath, "error", err)
	}
	policy, err := config.LoadSafetyPolicy(cfg.SafetyPolicyPath)
	if err != nil {
		logging.Warn("gateway", "safety policy not loaded, allowing all content", "path", cfg.SafetyPolicyPath, "error", err)
		policy = nil
	}

	if provider == nil {
		keys, err := NewAPIKeyAuth(cfg.APIKeys)
		if err != nil {
			return fmt.Errorf("init auth: %w", err)
		}
		if !keys.Enabled() {
			logging.Warn("gateway", "no api keys configured, every caller is admin")
		}
		provider = keys
	}

	reg := infraMetrics.New(metricsNamespace)
	hub := events.NewHub(
		events.WithBuffer(gwCfg.Events.Buffer),
		events.WithRingSize(gwCfg.Events.RingSize),
		events.WithOrigin(cfg.InstanceID),
		events.WithMetrics(reg),
	)
	defer hub.Close()

	var checks []ReadinessCheck
	if cfg.NatsURL != "" {
		nc, err := bus.Connect(cfg.NatsURL, "ragops-gateway-"+cfg.InstanceID)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		bridge, err := bus.NewBridge(nc, cfg.EventSubject, hub)
		if err != nil {
			nc.Close()
			return fmt.Errorf("event bridge: %w", err)
		}
		if err := bridge.Start(); err != nil {
			nc.Close()
			return fmt.Errorf("start event bridge: %w", err)
		}
		defer bridge.Close()
		checks = append(checks, bridgeCheck(bridge))
	}

	schedOpts := scheduler.Options{
		GlobalLimit:       schedCfg.GlobalLimit,
		DefaultClassLimit: schedCfg.DefaultClassLimit,
		ClassLimits:       map[string]int{},
		Metrics:           reg,
		Events:            hub,
	}
	for class, c := range schedCfg.Classes {
		schedOpts.ClassLimits[class] = c.MaxRunning
	}

	memManifests := manifests.NewMemoryStore()
	var (
		manifestStore ingest.ManifestStore = memManifests
		manifestIndex ManifestIndex        = memManifests
		journal       JobJournal
	)
	if cfg.RedisURL != "" {
		jobStore, err := memory.NewRedisJobStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis job store: %w", err)
		}
		defer jobStore.Close()
		schedOpts.Store = jobStore
		journal = jobStore
		checks = append(checks, pingCheck("journal", jobStore))

		redisManifests, err := manifests.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis manifest store: %w", err)
		}
		defer redisManifests.Close()
		manifestStore = redisManifests
		manifestIndex = redisManifests
		checks = append(checks, pingCheck("manifests", redisManifests))
	}

	sched := scheduler.New(schedOpts)
	gate, err := safety.NewPolicyGate(policy)
	if err != nil {
		return fmt.Errorf("safety policy: %w", err)
	}
	embedder, err := newEmbedder(cfg.Embedder)
	if err != nil {
		return err
	}
	orch, err := ingest.New(sched, ingest.Capabilities{
		Resolver:  resolve.New(resolve.Options{}),
		Chunker:   chunk.New(),
		Embedder:  embedder,
		Index:     vectorindex.NewMemory(0),
		Manifests: manifestStore,
		Safety:    gate,
	}, ingest.Options{
		MaxChunkSize: gwCfg.Pipeline.MaxChunkSize,
		Events:       hub,
		Metrics:      reg,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	srv, err := NewServer(Deps{
		Ingest:         orch,
		Jobs:           sched,
		Journal:        journal,
		Manifests:      manifestIndex,
		Events:         hub,
		Auth:           provider,
		Metrics:        reg,
		MetricsHandler: reg.Handler(),
		Config:         gwCfg,
		AllowedOrigins: cfg.AllowedOrigins,
		Checks:         checks,
	})
	if err != nil {
		return err
	}

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc (%s): %w", cfg.GRPCAddr, err)
	}
	grpcServer, healthSrv := newGRPCServer(provider)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Event streams hold responses open; handlers bound themselves.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rec := scheduler.NewReconciler(sched,
			schedCfg.Reconciler.RunningTimeout(),
			schedCfg.Reconciler.GracePeriod(),
			jobRetention,
			schedCfg.Reconciler.ScanInterval())
		rec.Start(gctx)
		return nil
	})
	g.Go(func() error {
		orch.StartPruner(gctx, jobRetention, schedCfg.Reconciler.ScanInterval())
		return nil
	})
	g.Go(func() error {
		logging.Info("gateway", "grpc listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logging.Info("gateway", "http listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("gateway", "shutting down", "timeout", cfg.ShutdownTimeout.String())
		healthSrv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		// Close streams first so Shutdown is not held up by idle subscribers.
		hub.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("gateway", "http shutdown incomplete", "error", err)
		}
		grpcServer.GracefulStop()
		if err := sched.Shutdown(shutdownCtx); err != nil {
			logging.Warn("gateway", "scheduler shutdown incomplete", "error", err)
		}
		return nil
	})
	return g.Wait()
}

type pinger interface {
	Ping(ctx context.Context) error
}

func pingCheck(name string, p pinger) ReadinessCheck {
	return ReadinessCheck{Name: name, Check: func(ctx context.Context) (map[string]any, error) {
		return nil, p.Ping(ctx)
	}}
}

type bridgeStatter interface {
	Stats() bus.BridgeStats
}

// bridgeCheck reports the event bridge counters and fails while NATS is disconnected.
func bridgeCheck(b bridgeStatter) ReadinessCheck {
	return ReadinessCheck{Name: "nats", Check: func(context.Context) (map[string]any, error) {
		st := b.Stats()
		detail := map[string]any{
			"connected": st.Connected,
			"sent":      st.Sent,
			"received":  st.Received,
			"failed":    st.Failed,
		}
		if !st.Connected {
			return detail, errNatsDisconnected
		}
		return detail, nil
	}}
}

func newEmbedder(kind string) (ingest.Embedder, error) {
	switch kind {
	case "", "hash", "hashing":
		return embed.NewHashing(embed.DefaultDimension), nil
	case "ollama":
		p := ollama.NewFromEnv()
		logging.Info("gateway", "using ollama embedder", "model", p.Model())
		return p, nil
	default:
		return nil, fmt.Errorf("unknown embedder %q", kind)
	}
}
