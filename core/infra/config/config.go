package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr        = ":8081"
	defaultGRPCAddr        = ":8080"
	defaultEventSubject    = "ragops.events"
	defaultSchedulerConfig = "config/scheduler.yaml"
	defaultGatewayConfig   = "config/gateway.yaml"
	defaultSafetyPolicy    = "config/safety.yaml"
	defaultEmbedder        = "hash"
	defaultShutdownTimeout = 15 * time.Second

	envHTTPAddr            = "GATEWAY_HTTP_ADDR"
	envGRPCAddr            = "GATEWAY_GRPC_ADDR"
	envRedisURL            = "REDIS_URL"
	envNATSURL             = "NATS_URL"
	envEventSubject        = "RAGOPS_EVENT_SUBJECT"
	envInstanceID          = "RAGOPS_INSTANCE_ID"
	envSchedulerConfigPath = "SCHEDULER_CONFIG_PATH"
	envGatewayConfigPath   = "GATEWAY_CONFIG_PATH"
	envSafetyPolicyPath    = "SAFETY_POLICY_PATH"
	envAPIKeys             = "RAGOPS_API_KEYS"
	envAllowedOrigins      = "RAGOPS_ALLOWED_ORIGINS"
	envEmbedder            = "EMBEDDER"
	envShutdownTimeout     = "RAGOPS_SHUTDOWN_TIMEOUT"
)

// Config holds process-level settings read from the environment. Tunables
// that operators edit more often live in the YAML files it points at.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	// RedisURL empty keeps manifests and the job journal in memory.
	RedisURL string
	// NatsURL empty disables the cross-instance event bridge.
	NatsURL      string
	EventSubject string
	InstanceID   string

	SchedulerConfigPath string
	GatewayConfigPath   string
	SafetyPolicyPath    string

	APIKeys        string
	AllowedOrigins []string
	Embedder       string

	ShutdownTimeout time.Duration
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	host, _ := os.Hostname()
	return &Config{
		HTTPAddr:            envOr(envHTTPAddr, defaultHTTPAddr),
		GRPCAddr:            envOr(envGRPCAddr, defaultGRPCAddr),
		RedisURL:            strings.TrimSpace(os.Getenv(envRedisURL)),
		NatsURL:             strings.TrimSpace(os.Getenv(envNATSURL)),
		EventSubject:        envOr(envEventSubject, defaultEventSubject),
		InstanceID:          envOr(envInstanceID, host),
		SchedulerConfigPath: envOr(envSchedulerConfigPath, defaultSchedulerConfig),
		GatewayConfigPath:   envOr(envGatewayConfigPath, defaultGatewayConfig),
		SafetyPolicyPath:    envOr(envSafetyPolicyPath, defaultSafetyPolicy),
		APIKeys:             os.Getenv(envAPIKeys),
		AllowedOrigins:      splitCSV(os.Getenv(envAllowedOrigins)),
		Embedder:            strings.ToLower(envOr(envEmbedder, defaultEmbedder)),
		ShutdownTimeout:     envDuration(envShutdownTimeout, defaultShutdownTimeout),
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// envDuration accepts Go durations ("20s") or bare seconds ("20").
func envDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return def
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
