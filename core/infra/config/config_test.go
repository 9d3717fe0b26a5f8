package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{envHTTPAddr, envGRPCAddr, envRedisURL, envNATSURL, envEmbedder, envAllowedOrigins, envShutdownTimeout} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.HTTPAddr != defaultHTTPAddr || cfg.GRPCAddr != defaultGRPCAddr {
		t.Fatalf("expected default addrs, got %s %s", cfg.HTTPAddr, cfg.GRPCAddr)
	}
	if cfg.RedisURL != "" || cfg.NatsURL != "" {
		t.Fatalf("expected optional backends to be disabled by default")
	}
	if cfg.SchedulerConfigPath != defaultSchedulerConfig || cfg.GatewayConfigPath != defaultGatewayConfig {
		t.Fatalf("unexpected config paths")
	}
	if cfg.Embedder != defaultEmbedder || cfg.ShutdownTimeout != defaultShutdownTimeout {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.AllowedOrigins != nil {
		t.Fatalf("expected no origins")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv(envHTTPAddr, ":9000")
	t.Setenv(envRedisURL, "redis://example:6379")
	t.Setenv(envNATSURL, "nats://example:4222")
	t.Setenv(envAllowedOrigins, "https://a.example, https://b.example,")
	t.Setenv(envEmbedder, "Ollama")
	t.Setenv(envShutdownTimeout, "5")
	t.Setenv(envInstanceID, "node-1")

	cfg := Load()
	if cfg.HTTPAddr != ":9000" || cfg.RedisURL != "redis://example:6379" || cfg.NatsURL != "nats://example:4222" {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
	if cfg.Embedder != "ollama" || cfg.InstanceID != "node-1" {
		t.Fatalf("unexpected embedder/instance: %s %s", cfg.Embedder, cfg.InstanceID)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Fatalf("expected bare seconds to parse, got %s", cfg.ShutdownTimeout)
	}
}

func TestLoadSchedulerMissingFile(t *testing.T) {
	cfg, err := LoadScheduler(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
	if cfg == nil || cfg.GlobalLimit == 0 || cfg.Reconciler.ScanIntervalSeconds == 0 {
		t.Fatalf("expected default config")
	}
}

func TestLoadSchedulerPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.yaml")
	data := []byte("global_limit: 2\nclasses:\n  ingest:\n    max_running: 5\n  reindex:\n    max_running: 1\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadScheduler(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GlobalLimit != 2 {
		t.Fatalf("expected global limit override")
	}
	if got := cfg.ClassLimit("ingest"); got != 2 {
		t.Fatalf("expected class limit capped by global, got %d", got)
	}
	if got := cfg.ClassLimit("reindex"); got != 1 {
		t.Fatalf("expected reindex limit 1, got %d", got)
	}
	if got := cfg.ClassLimit("unknown"); got != 2 {
		t.Fatalf("expected default class limit, got %d", got)
	}
	if cfg.Reconciler.RunningTimeout() != time.Hour {
		t.Fatalf("expected default running timeout, got %s", cfg.Reconciler.RunningTimeout())
	}
}

func TestParseSchedulerSchemaInvalid(t *testing.T) {
	cfg, err := ParseScheduler([]byte("global_limit: -1\n"))
	if err == nil {
		t.Fatalf("expected schema error")
	}
	if cfg == nil || cfg.GlobalLimit != 4 {
		t.Fatalf("expected defaults on schema error")
	}
	if _, err := ParseScheduler([]byte("unknown_key: 1\n")); err == nil {
		t.Fatalf("expected unknown keys to be rejected")
	}
}

func TestParseSchedulerEmpty(t *testing.T) {
	cfg, err := ParseScheduler(nil)
	if err != nil || cfg.GlobalLimit != 4 {
		t.Fatalf("expected defaults for empty input: %v", err)
	}
}

func TestParseGateway(t *testing.T) {
	cfg, err := ParseGateway([]byte("rate_limit:\n  rps: 2.5\n  burst: 3\nversions: [v1, v2]\nevents:\n  buffer: 8\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.RateLimit.RPS != 2.5 || cfg.RateLimit.Burst != 3 {
		t.Fatalf("unexpected rate limit: %+v", cfg.RateLimit)
	}
	if cfg.DefaultVersion != "v2" {
		t.Fatalf("expected newest version as default, got %s", cfg.DefaultVersion)
	}
	if cfg.Events.Buffer != 8 || cfg.Events.RingSize != 1024 || cfg.Events.Heartbeat() != 15*time.Second {
		t.Fatalf("unexpected events config: %+v", cfg.Events)
	}
	if cfg.RequestTimeout() != 30*time.Second || cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("unexpected request defaults")
	}
}

func TestParseGatewayRejectsBadVersion(t *testing.T) {
	cfg, err := ParseGateway([]byte("versions: [latest]\n"))
	if err == nil {
		t.Fatalf("expected schema error")
	}
	if cfg.DefaultVersion != "v1" {
		t.Fatalf("expected defaults on error")
	}
}

func TestParseSafetyPolicy(t *testing.T) {
	data := []byte("max_content_bytes: 100\ndeny:\n  - id: keys\n    pattern: 'PRIVATE KEY'\n    reason: key material\n")
	policy, err := ParseSafetyPolicy(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if policy.MaxContentBytes != 100 || len(policy.Deny) != 1 || policy.Deny[0].ID != "keys" {
		t.Fatalf("unexpected policy: %+v", policy)
	}
	if _, err := ParseSafetyPolicy([]byte("deny:\n  - reason: no id\n")); err == nil {
		t.Fatalf("expected missing id/pattern to fail")
	}
}

func TestLoadSafetyPolicyMissing(t *testing.T) {
	policy, err := LoadSafetyPolicy(filepath.Join(t.TempDir(), "none.yaml"))
	if err == nil || policy == nil || len(policy.Deny) != 0 {
		t.Fatalf("expected empty policy and error")
	}
	policy, err = LoadSafetyPolicy("")
	if err != nil || policy == nil {
		t.Fatalf("expected empty path to be allowed")
	}
}

func TestShippedConfigFilesValidate(t *testing.T) {
	root := filepath.Join("..", "..", "..", "config")
	sched, err := LoadScheduler(filepath.Join(root, "scheduler.yaml"))
	if err != nil {
		t.Fatalf("scheduler.yaml: %v", err)
	}
	if sched.ClassLimit("ingest") != 4 || sched.GlobalLimit != 8 {
		t.Fatalf("unexpected scheduler limits %+v", sched)
	}
	gw, err := LoadGateway(filepath.Join(root, "gateway.yaml"))
	if err != nil {
		t.Fatalf("gateway.yaml: %v", err)
	}
	if gw.RequestTimeout() != 30*time.Second || gw.DefaultVersion != "v1" {
		t.Fatalf("unexpected gateway config %+v", gw)
	}
	policy, err := LoadSafetyPolicy(filepath.Join(root, "safety.yaml"))
	if err != nil {
		t.Fatalf("safety.yaml: %v", err)
	}
	if len(policy.Deny) != 2 {
		t.Fatalf("expected two deny rules, got %d", len(policy.Deny))
	}
}
