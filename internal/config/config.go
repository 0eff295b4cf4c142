// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	URL                string        `mapstructure:"url"`
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Store struct {
	URL      string `mapstructure:"url"`
	Path     string `mapstructure:"path"`
	PoolSize int    `mapstructure:"pool_size"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// SuitabilityRule gates a job's entry into the analysis stage. Pattern is a
// regex matched against the lowercased title; Decision is accept or reject.
type SuitabilityRule struct {
	Pattern  string `mapstructure:"pattern"`
	Decision string `mapstructure:"decision"`
}

type Pipeline struct {
	QueueName             string            `mapstructure:"queue_name"`
	ProcessingWorkers     int               `mapstructure:"processing_workers"`
	AnalysisWorkers       int               `mapstructure:"analysis_workers"`
	StorageWorkers        int               `mapstructure:"storage_workers"`
	ChannelCapacity       int               `mapstructure:"channel_capacity"`
	MaxRetries            int               `mapstructure:"max_retries"`
	DequeueTimeout        time.Duration     `mapstructure:"dequeue_timeout"`
	HeartbeatTTL          time.Duration     `mapstructure:"heartbeat_ttl"`
	ProcessingListPattern string            `mapstructure:"processing_list_pattern"`
	HeartbeatKeyPattern   string            `mapstructure:"heartbeat_key_pattern"`
	ShutdownGrace         time.Duration     `mapstructure:"shutdown_grace"`
	RestartBackoff        Backoff           `mapstructure:"restart_backoff"`
	Suitability           []SuitabilityRule `mapstructure:"suitability"`
}

type Producer struct {
	ScanDir         string   `mapstructure:"scan_dir"`
	IncludeGlobs    []string `mapstructure:"include_globs"`
	ExcludeGlobs    []string `mapstructure:"exclude_globs"`
	RateLimitPerSec int      `mapstructure:"rate_limit_per_sec"`
	DeleteAfter     bool     `mapstructure:"delete_after"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
	Pause            time.Duration `mapstructure:"pause"`
}

type HealthThresholds struct {
	QueueLength      int64         `mapstructure:"queue_length"`
	DeadLetterLength int64         `mapstructure:"deadletter_length"`
	QueueResponse    time.Duration `mapstructure:"queue_response"`
	StoreResponse    time.Duration `mapstructure:"store_response"`
	CPUPercent       float64       `mapstructure:"cpu_percent"`
	MemoryPercent    float64       `mapstructure:"memory_percent"`
	DiskPercent      float64       `mapstructure:"disk_percent"`
}

type Health struct {
	CheckInterval time.Duration    `mapstructure:"check_interval"`
	AlertCooldown time.Duration    `mapstructure:"alert_cooldown"`
	Thresholds    HealthThresholds `mapstructure:"thresholds"`
}

type Monitor struct {
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
}

type API struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type TracingConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	Endpoint     string            `mapstructure:"endpoint"`
	Environment  string            `mapstructure:"environment"`
	SamplingRate float64           `mapstructure:"sampling_rate"`
	Headers      map[string]string `mapstructure:"headers"`
	Insecure     bool              `mapstructure:"insecure"`
}

type EventLog struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type Observability struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
	EventLog            EventLog      `mapstructure:"event_log"`
}

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Store          Store          `mapstructure:"store"`
	Pipeline       Pipeline       `mapstructure:"pipeline"`
	Producer       Producer       `mapstructure:"producer"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Health         Health         `mapstructure:"health"`
	Monitor        Monitor        `mapstructure:"monitor"`
	API            API            `mapstructure:"api"`
	Observability  Observability  `mapstructure:"observability"`
}

// DefaultSuitabilityRules mirror the stock title policy: senior-level titles
// are rejected, entry-level titles accepted, everything else accepted.
func DefaultSuitabilityRules() []SuitabilityRule {
	return []SuitabilityRule{
		{Pattern: `senior|sr\.|lead|principal|manager`, Decision: "reject"},
		{Pattern: `junior|jr\.|entry|graduate|intern`, Decision: "accept"},
	}
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Store: Store{
			Path:     "data/jobs.db",
			PoolSize: 5,
		},
		Pipeline: Pipeline{
			QueueName:             "jobs:main",
			ProcessingWorkers:     4,
			AnalysisWorkers:       4,
			StorageWorkers:        2,
			ChannelCapacity:       1024,
			MaxRetries:            3,
			DequeueTimeout:        1 * time.Second,
			HeartbeatTTL:          30 * time.Second,
			ProcessingListPattern: "jobs:worker:%s:processing",
			HeartbeatKeyPattern:   "jobs:processing:worker:%s",
			ShutdownGrace:         30 * time.Second,
			RestartBackoff:        Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second},
			Suitability:           DefaultSuitabilityRules(),
		},
		Producer: Producer{
			ScanDir:         "./incoming",
			IncludeGlobs:    []string{"**/*.json"},
			ExcludeGlobs:    []string{"**/*.tmp"},
			RateLimitPerSec: 100,
			DeleteAfter:     false,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
			Pause:            100 * time.Millisecond,
		},
		Health: Health{
			CheckInterval: 30 * time.Second,
			AlertCooldown: 15 * time.Minute,
			Thresholds: HealthThresholds{
				QueueLength:      1000,
				DeadLetterLength: 50,
				QueueResponse:    2 * time.Second,
				StoreResponse:    5 * time.Second,
				CPUPercent:       90,
				MemoryPercent:    90,
				DiskPercent:      95,
			},
		},
		Monitor: Monitor{
			BroadcastInterval: 5 * time.Second,
		},
		API: API{
			ListenAddr:   ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             TracingConfig{Enabled: false, SamplingRate: 1.0},
			QueueSampleInterval: 2 * time.Second,
			EventLog:            EventLog{MaxSizeMB: 100, MaxBackups: 3},
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Well-known deployment environment names.
	_ = v.BindEnv("redis.url", "QUEUE_URL")
	_ = v.BindEnv("store.url", "STORE_URL")
	_ = v.BindEnv("pipeline.max_retries", "JOB_MAX_RETRIES")
	_ = v.BindEnv("monitor.broadcast_interval_seconds", "BROADCAST_INTERVAL_SECONDS")
	_ = v.BindEnv("health.check_interval_seconds", "HEALTH_CHECK_INTERVAL_SECONDS")
	_ = v.BindEnv("health.alert_cooldown_minutes", "ALERT_COOLDOWN_MINUTES")

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("store.path", def.Store.Path)
	v.SetDefault("store.pool_size", def.Store.PoolSize)

	v.SetDefault("pipeline.queue_name", def.Pipeline.QueueName)
	v.SetDefault("pipeline.processing_workers", def.Pipeline.ProcessingWorkers)
	v.SetDefault("pipeline.analysis_workers", def.Pipeline.AnalysisWorkers)
	v.SetDefault("pipeline.storage_workers", def.Pipeline.StorageWorkers)
	v.SetDefault("pipeline.channel_capacity", def.Pipeline.ChannelCapacity)
	v.SetDefault("pipeline.max_retries", def.Pipeline.MaxRetries)
	v.SetDefault("pipeline.dequeue_timeout", def.Pipeline.DequeueTimeout)
	v.SetDefault("pipeline.heartbeat_ttl", def.Pipeline.HeartbeatTTL)
	v.SetDefault("pipeline.processing_list_pattern", def.Pipeline.ProcessingListPattern)
	v.SetDefault("pipeline.heartbeat_key_pattern", def.Pipeline.HeartbeatKeyPattern)
	v.SetDefault("pipeline.shutdown_grace", def.Pipeline.ShutdownGrace)
	v.SetDefault("pipeline.restart_backoff.base", def.Pipeline.RestartBackoff.Base)
	v.SetDefault("pipeline.restart_backoff.max", def.Pipeline.RestartBackoff.Max)

	v.SetDefault("producer.scan_dir", def.Producer.ScanDir)
	v.SetDefault("producer.include_globs", def.Producer.IncludeGlobs)
	v.SetDefault("producer.exclude_globs", def.Producer.ExcludeGlobs)
	v.SetDefault("producer.rate_limit_per_sec", def.Producer.RateLimitPerSec)
	v.SetDefault("producer.delete_after", def.Producer.DeleteAfter)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)
	v.SetDefault("circuit_breaker.pause", def.CircuitBreaker.Pause)

	v.SetDefault("health.check_interval", def.Health.CheckInterval)
	v.SetDefault("health.alert_cooldown", def.Health.AlertCooldown)
	v.SetDefault("health.thresholds.queue_length", def.Health.Thresholds.QueueLength)
	v.SetDefault("health.thresholds.deadletter_length", def.Health.Thresholds.DeadLetterLength)
	v.SetDefault("health.thresholds.queue_response", def.Health.Thresholds.QueueResponse)
	v.SetDefault("health.thresholds.store_response", def.Health.Thresholds.StoreResponse)
	v.SetDefault("health.thresholds.cpu_percent", def.Health.Thresholds.CPUPercent)
	v.SetDefault("health.thresholds.memory_percent", def.Health.Thresholds.MemoryPercent)
	v.SetDefault("health.thresholds.disk_percent", def.Health.Thresholds.DiskPercent)

	v.SetDefault("monitor.broadcast_interval", def.Monitor.BroadcastInterval)

	v.SetDefault("api.listen_addr", def.API.ListenAddr)
	v.SetDefault("api.read_timeout", def.API.ReadTimeout)
	v.SetDefault("api.write_timeout", def.API.WriteTimeout)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.SamplingRate)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)
	v.SetDefault("observability.event_log.path", "")
	v.SetDefault("observability.event_log.max_size_mb", def.Observability.EventLog.MaxSizeMB)
	v.SetDefault("observability.event_log.max_backups", def.Observability.EventLog.MaxBackups)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Env conveniences expressed in plain units.
	if secs := v.GetInt("monitor.broadcast_interval_seconds"); secs > 0 {
		cfg.Monitor.BroadcastInterval = time.Duration(secs) * time.Second
	}
	if secs := v.GetInt("health.check_interval_seconds"); secs > 0 {
		cfg.Health.CheckInterval = time.Duration(secs) * time.Second
	}
	if mins := v.GetInt("health.alert_cooldown_minutes"); mins > 0 {
		cfg.Health.AlertCooldown = time.Duration(mins) * time.Minute
	}
	if cfg.Store.URL != "" {
		cfg.Store.Path = strings.TrimPrefix(cfg.Store.URL, "sqlite://")
	}
	if len(cfg.Pipeline.Suitability) == 0 {
		cfg.Pipeline.Suitability = DefaultSuitabilityRules()
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Pipeline.ProcessingWorkers < 1 || cfg.Pipeline.AnalysisWorkers < 1 || cfg.Pipeline.StorageWorkers < 1 {
		return fmt.Errorf("pipeline worker counts must be >= 1")
	}
	if cfg.Pipeline.ChannelCapacity < 1 {
		return fmt.Errorf("pipeline.channel_capacity must be >= 1")
	}
	if cfg.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must be >= 0")
	}
	if cfg.Pipeline.DequeueTimeout <= 0 || cfg.Pipeline.DequeueTimeout > cfg.Pipeline.HeartbeatTTL/2 {
		return fmt.Errorf("pipeline.dequeue_timeout must be >0 and <= heartbeat_ttl/2")
	}
	if cfg.Pipeline.QueueName == "" {
		return fmt.Errorf("pipeline.queue_name must be non-empty")
	}
	for _, r := range cfg.Pipeline.Suitability {
		if r.Decision != "accept" && r.Decision != "reject" {
			return fmt.Errorf("suitability rule decision must be accept or reject, got %q", r.Decision)
		}
	}
	if cfg.Store.PoolSize < 1 {
		return fmt.Errorf("store.pool_size must be >= 1")
	}
	if cfg.Producer.RateLimitPerSec < 0 {
		return fmt.Errorf("producer.rate_limit_per_sec must be >= 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
