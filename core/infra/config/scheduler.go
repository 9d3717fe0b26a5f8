package config

import "time"

// SchedulerConfig bounds concurrency and drives the stuck-job reconciler.
type SchedulerConfig struct {
	GlobalLimit       int                    `yaml:"global_limit"`
	DefaultClassLimit int                    `yaml:"default_class_limit"`
	Classes           map[string]ClassConfig `yaml:"classes"`
	Reconciler        ReconcilerConfig       `yaml:"reconciler"`
}

type ClassConfig struct {
	MaxRunning int `yaml:"max_running"`
}

type ReconcilerConfig struct {
	ScanIntervalSeconds   int64 `yaml:"scan_interval_seconds"`
	RunningTimeoutSeconds int64 `yaml:"running_timeout_seconds"`
	GracePeriodSeconds    int64 `yaml:"grace_period_seconds"`
}

func (r ReconcilerConfig) ScanInterval() time.Duration {
	return time.Duration(r.ScanIntervalSeconds) * time.Second
}

func (r ReconcilerConfig) RunningTimeout() time.Duration {
	return time.Duration(r.RunningTimeoutSeconds) * time.Second
}

func (r ReconcilerConfig) GracePeriod() time.Duration {
	return time.Duration(r.GracePeriodSeconds) * time.Second
}

// LoadScheduler loads a YAML scheduler file; returns defaults alongside any error.
func LoadScheduler(path string) (*SchedulerConfig, error) {
	cfg := &SchedulerConfig{}
	if err := decodeFile("scheduler", schedulerSchemaFile, path, cfg); err != nil {
		return defaultScheduler(), err
	}
	return fillScheduler(cfg), nil
}

// ParseScheduler parses scheduler config data from YAML/JSON bytes.
func ParseScheduler(data []byte) (*SchedulerConfig, error) {
	cfg := &SchedulerConfig{}
	if err := decodeBytes("scheduler", schedulerSchemaFile, data, cfg); err != nil {
		return defaultScheduler(), err
	}
	return fillScheduler(cfg), nil
}

// ClassLimit returns the running cap for class, never above the global limit.
func (c *SchedulerConfig) ClassLimit(class string) int {
	limit := c.DefaultClassLimit
	if cc, ok := c.Classes[class]; ok && cc.MaxRunning > 0 {
		limit = cc.MaxRunning
	}
	if limit <= 0 || limit > c.GlobalLimit {
		limit = c.GlobalLimit
	}
	return limit
}

func fillScheduler(cfg *SchedulerConfig) *SchedulerConfig {
	def := defaultScheduler()
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = def.GlobalLimit
	}
	if cfg.DefaultClassLimit <= 0 {
		cfg.DefaultClassLimit = cfg.GlobalLimit
	}
	if cfg.Classes == nil {
		cfg.Classes = def.Classes
	}
	if cfg.Reconciler.ScanIntervalSeconds <= 0 {
		cfg.Reconciler.ScanIntervalSeconds = def.Reconciler.ScanIntervalSeconds
	}
	if cfg.Reconciler.RunningTimeoutSeconds <= 0 {
		cfg.Reconciler.RunningTimeoutSeconds = def.Reconciler.RunningTimeoutSeconds
	}
	if cfg.Reconciler.GracePeriodSeconds <= 0 {
		cfg.Reconciler.GracePeriodSeconds = def.Reconciler.GracePeriodSeconds
	}
	return cfg
}

func defaultScheduler() *SchedulerConfig {
	return &SchedulerConfig{
		GlobalLimit:       4,
		DefaultClassLimit: 4,
		Classes:           map[string]ClassConfig{"ingest": {MaxRunning: 4}},
		Reconciler: ReconcilerConfig{
			ScanIntervalSeconds:   30,
			RunningTimeoutSeconds: 3600,
			GracePeriodSeconds:    60,
		},
	}
}
