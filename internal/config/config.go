// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Postgres struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type Redis struct {
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

// Cache configures the cache-replay store: a Redis-backed, namespaced
// key/value store keyed by script_hash+args, written by the Completion
// Pipeline whenever a job's cache_ttl is set and it succeeds.
type Cache struct {
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Schedule configures cron-triggered re-enqueue: the interval the handler
// polls for schedules whose next run is due, and FailureThreshold, which
// Validate requires to be at least 1. The schedule handler does not read
// FailureThreshold; it fires each schedule's handlers from that
// schedule's own on_failure/on_recovery times.
type Schedule struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// API configures the HTTP surface: push/cancel/poll/resume endpoints and
// the HMAC secret used to sign suspend-resume tokens.
type API struct {
	Addr              string        `mapstructure:"addr"`
	ResumeTokenSecret string        `mapstructure:"resume_token_secret"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	// IncludeHeaders whitelists request headers hoisted into a pushed job's
	// `extra` map (e.g. "X-Request-Id"); anything not listed is dropped.
	IncludeHeaders []string `mapstructure:"include_headers"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// Worker tunes the per-process worker supervisor: how many goroutines pull,
// how often they ping liveness, and the size of the same-worker channel
// used to keep a same_worker flow step on the host that dispatched it.
type Worker struct {
	Count                 int            `mapstructure:"count"`
	Tags                  []string       `mapstructure:"tags"`
	PingInterval          time.Duration  `mapstructure:"ping_interval"`
	PollInterval          time.Duration  `mapstructure:"poll_interval"`
	VacuumInterval        time.Duration  `mapstructure:"vacuum_interval"`
	SameWorkerChannelSize int            `mapstructure:"same_worker_channel_size"`
	Backoff               Backoff        `mapstructure:"backoff"`
	JobDirBase            string         `mapstructure:"job_dir_base"`
	TokenSecret           string         `mapstructure:"token_secret"`
	TokenTTL              time.Duration  `mapstructure:"token_ttl"`
	DedicatedWorkers      map[string]int `mapstructure:"dedicated_workers"`
}

type Puller struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type Flow struct {
	MaxRetryAttempts int `mapstructure:"max_retry_attempts"`
	MaxRetryInterval int `mapstructure:"max_retry_interval_s"`
}

type Debounce struct {
	OrphanSweepInterval time.Duration `mapstructure:"orphan_sweep_interval"`
}

type Concurrency struct {
	OrphanSweepInterval time.Duration `mapstructure:"orphan_sweep_interval"`
}

type CloudQuota struct {
	Enabled              bool `mapstructure:"enabled"`
	MonthlyExecutionsCap int  `mapstructure:"monthly_executions_cap"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled          bool              `mapstructure:"enabled"`
	Endpoint         string            `mapstructure:"endpoint"`
	Environment      string            `mapstructure:"environment"`
	SamplingStrategy string            `mapstructure:"sampling_strategy"`
	SamplingRate     float64           `mapstructure:"sampling_rate"`
	Headers          map[string]string `mapstructure:"headers"`
	Insecure         bool              `mapstructure:"insecure"`
}

type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

type Observability = ObservabilityConfig

type Config struct {
	Postgres       Postgres       `mapstructure:"postgres"`
	Redis          Redis          `mapstructure:"redis"`
	Worker         Worker         `mapstructure:"worker"`
	Puller         Puller         `mapstructure:"puller"`
	Flow           Flow           `mapstructure:"flow"`
	Debounce       Debounce       `mapstructure:"debounce"`
	Concurrency    Concurrency    `mapstructure:"concurrency"`
	CloudQuota     CloudQuota     `mapstructure:"cloud_quota"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
	Cache          Cache          `mapstructure:"cache"`
	Schedule       Schedule       `mapstructure:"schedule"`
	API            API            `mapstructure:"api"`
}

func defaultConfig() *Config {
	return &Config{
		Postgres: Postgres{
			DSN:             "postgres://localhost:5432/jobqueue?sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Worker: Worker{
			Count:                 16,
			Tags:                  []string{"default"},
			PingInterval:          5 * time.Second,
			PollInterval:          200 * time.Millisecond,
			VacuumInterval:        5 * time.Minute,
			SameWorkerChannelSize: 100,
			Backoff:               Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second},
			JobDirBase:            os.TempDir(),
			TokenTTL:              5 * time.Minute,
			DedicatedWorkers:      map[string]int{},
		},
		Puller: Puller{PollInterval: 200 * time.Millisecond},
		Flow: Flow{
			MaxRetryAttempts: 1000,
			MaxRetryInterval: 86400,
		},
		Debounce:       Debounce{OrphanSweepInterval: time.Minute},
		Concurrency:    Concurrency{OrphanSweepInterval: time.Minute},
		CloudQuota:     CloudQuota{Enabled: false, MonthlyExecutionsCap: 0},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
		Cache: Cache{KeyPrefix: "cache"},
		Schedule: Schedule{
			PollInterval:     15 * time.Second,
			FailureThreshold: 3,
		},
		API: API{
			Addr:           ":8080",
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			IncludeHeaders: []string{"X-Request-Id"},
		},
	}
}

// Load reads configuration from a YAML file and env overrides, the same
// cascade the teacher uses: defaults seeded first, then an optional file,
// then AutomaticEnv with "." folded to "_" so e.g. WORKER_COUNT overrides
// worker.count.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("postgres.dsn", def.Postgres.DSN)
	v.SetDefault("postgres.max_open_conns", def.Postgres.MaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", def.Postgres.MaxIdleConns)
	v.SetDefault("postgres.conn_max_lifetime", def.Postgres.ConnMaxLifetime)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("cache.key_prefix", def.Cache.KeyPrefix)

	v.SetDefault("schedule.poll_interval", def.Schedule.PollInterval)
	v.SetDefault("schedule.failure_threshold", def.Schedule.FailureThreshold)

	v.SetDefault("api.addr", def.API.Addr)
	v.SetDefault("api.read_timeout", def.API.ReadTimeout)
	v.SetDefault("api.write_timeout", def.API.WriteTimeout)
	v.SetDefault("api.include_headers", def.API.IncludeHeaders)

	v.SetDefault("worker.count", def.Worker.Count)
	v.SetDefault("worker.tags", def.Worker.Tags)
	v.SetDefault("worker.ping_interval", def.Worker.PingInterval)
	v.SetDefault("worker.poll_interval", def.Worker.PollInterval)
	v.SetDefault("worker.vacuum_interval", def.Worker.VacuumInterval)
	v.SetDefault("worker.same_worker_channel_size", def.Worker.SameWorkerChannelSize)
	v.SetDefault("worker.backoff.base", def.Worker.Backoff.Base)
	v.SetDefault("worker.backoff.max", def.Worker.Backoff.Max)
	v.SetDefault("worker.job_dir_base", def.Worker.JobDirBase)
	v.SetDefault("worker.token_ttl", def.Worker.TokenTTL)
	v.SetDefault("worker.dedicated_workers", def.Worker.DedicatedWorkers)

	v.SetDefault("puller.poll_interval", def.Puller.PollInterval)

	v.SetDefault("flow.max_retry_attempts", def.Flow.MaxRetryAttempts)
	v.SetDefault("flow.max_retry_interval_s", def.Flow.MaxRetryInterval)

	v.SetDefault("debounce.orphan_sweep_interval", def.Debounce.OrphanSweepInterval)
	v.SetDefault("concurrency.orphan_sweep_interval", def.Concurrency.OrphanSweepInterval)

	v.SetDefault("cloud_quota.enabled", def.CloudQuota.Enabled)
	v.SetDefault("cloud_quota.monthly_executions_cap", def.CloudQuota.MonthlyExecutionsCap)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	if len(cfg.Worker.Tags) == 0 {
		return fmt.Errorf("worker.tags must be non-empty")
	}
	if cfg.Worker.PingInterval < time.Second {
		return fmt.Errorf("worker.ping_interval must be >= 1s")
	}
	if cfg.Worker.SameWorkerChannelSize < 1 {
		return fmt.Errorf("worker.same_worker_channel_size must be >= 1")
	}
	if cfg.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn must be set")
	}
	if cfg.Flow.MaxRetryAttempts < 0 {
		return fmt.Errorf("flow.max_retry_attempts must be >= 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Schedule.PollInterval < time.Second {
		return fmt.Errorf("schedule.poll_interval must be >= 1s")
	}
	if cfg.Schedule.FailureThreshold < 1 {
		return fmt.Errorf("schedule.failure_threshold must be >= 1")
	}
	if cfg.API.Addr == "" {
		return fmt.Errorf("api.addr must be set")
	}
	return nil
}
