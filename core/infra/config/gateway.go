package config

import "time"

// GatewayConfig tunes the HTTP surface, the event stream and the pipeline.
type GatewayConfig struct {
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
	MaxBodyBytes     int64           `yaml:"max_body_bytes"`
	RequestTimeoutMs int64           `yaml:"request_timeout_ms"`
	Versions         []string        `yaml:"versions"`
	DefaultVersion   string          `yaml:"default_version"`
	AllowedOrigins   []string        `yaml:"allowed_origins"`
	Events           EventsConfig    `yaml:"events"`
	Pipeline         PipelineConfig  `yaml:"pipeline"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type EventsConfig struct {
	Buffer           int   `yaml:"buffer"`
	RingSize         int   `yaml:"ring_size"`
	HeartbeatSeconds int64 `yaml:"heartbeat_seconds"`
}

type PipelineConfig struct {
	MaxChunkSize int `yaml:"max_chunk_size"`
}

func (g *GatewayConfig) RequestTimeout() time.Duration {
	return time.Duration(g.RequestTimeoutMs) * time.Millisecond
}

func (e EventsConfig) Heartbeat() time.Duration {
	return time.Duration(e.HeartbeatSeconds) * time.Second
}

// LoadGateway loads a YAML gateway file; returns defaults alongside any error.
func LoadGateway(path string) (*GatewayConfig, error) {
	cfg := &GatewayConfig{}
	if err := decodeFile("gateway", gatewaySchemaFile, path, cfg); err != nil {
		return defaultGateway(), err
	}
	return fillGateway(cfg), nil
}

// ParseGateway parses gateway config data from YAML/JSON bytes.
func ParseGateway(data []byte) (*GatewayConfig, error) {
	cfg := &GatewayConfig{}
	if err := decodeBytes("gateway", gatewaySchemaFile, data, cfg); err != nil {
		return defaultGateway(), err
	}
	return fillGateway(cfg), nil
}

func fillGateway(cfg *GatewayConfig) *GatewayConfig {
	def := defaultGateway()
	if cfg.RateLimit.RPS <= 0 {
		cfg.RateLimit.RPS = def.RateLimit.RPS
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.RequestTimeoutMs <= 0 {
		cfg.RequestTimeoutMs = def.RequestTimeoutMs
	}
	if len(cfg.Versions) == 0 {
		cfg.Versions = def.Versions
	}
	if cfg.DefaultVersion == "" {
		cfg.DefaultVersion = cfg.Versions[len(cfg.Versions)-1]
	}
	if cfg.Events.Buffer <= 0 {
		cfg.Events.Buffer = def.Events.Buffer
	}
	if cfg.Events.RingSize <= 0 {
		cfg.Events.RingSize = def.Events.RingSize
	}
	if cfg.Events.HeartbeatSeconds <= 0 {
		cfg.Events.HeartbeatSeconds = def.Events.HeartbeatSeconds
	}
	if cfg.Pipeline.MaxChunkSize <= 0 {
		cfg.Pipeline.MaxChunkSize = def.Pipeline.MaxChunkSize
	}
	return cfg
}

func defaultGateway() *GatewayConfig {
	return &GatewayConfig{
		RateLimit:        RateLimitConfig{RPS: 10, Burst: 10},
		MaxBodyBytes:     1 << 20,
		RequestTimeoutMs: 30000,
		Versions:         []string{"v1"},
		DefaultVersion:   "v1",
		Events:           EventsConfig{Buffer: 256, RingSize: 1024, HeartbeatSeconds: 15},
		Pipeline:         PipelineConfig{MaxChunkSize: 1000},
	}
}
