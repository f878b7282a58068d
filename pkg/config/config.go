// Package config loads the worker configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	redisbroker "github.com/mihaimyh/taskgate/broker/redis"
	"github.com/mihaimyh/taskgate/pkg/backoff"
	"github.com/mihaimyh/taskgate/pkg/bridge"
	"github.com/mihaimyh/taskgate/pkg/dispatch"
	"github.com/mihaimyh/taskgate/pkg/maintenance"
	"github.com/mihaimyh/taskgate/pkg/taskgate"
	"github.com/mihaimyh/taskgate/pkg/worker"
	"github.com/mihaimyh/taskgate/storage/postgres"
	redisstore "github.com/mihaimyh/taskgate/storage/redis"
)

// Config is the top-level worker configuration.
type Config struct {
	LogLevel    string                    `yaml:"log_level"`
	MetricsAddr string                    `yaml:"metrics_addr"`
	Redis       RedisConfig               `yaml:"redis"`
	Postgres    PostgresConfig            `yaml:"postgres"`
	Gate        GateConfig                `yaml:"gate"`
	Tiers       taskgate.Tiers            `yaml:"tiers"`
	Routes      map[string]dispatch.Route `yaml:"routes"`
	Worker      WorkerConfig              `yaml:"worker"`
	Bridge      BridgeConfig              `yaml:"bridge"`
	Maintenance MaintenanceConfig         `yaml:"maintenance"`
}

// RedisConfig configures the connection shared by the counter store and
// the broker.
type RedisConfig struct {
	Addrs        []string `yaml:"addrs"`
	Password     string   `yaml:"password"`
	DB           int      `yaml:"db"`
	StorePrefix  string   `yaml:"store_prefix"`
	BrokerPrefix string   `yaml:"broker_prefix"`

	// VisibilityTimeout must exceed the worker hard limit.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// PostgresConfig configures the optional tier database. When DSN is empty
// every user gets the fallback tier.
type PostgresConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxConns     int32         `yaml:"max_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	Migrate      bool          `yaml:"migrate"`
}

// GateConfig configures admission.
type GateConfig struct {
	FallbackTier    string        `yaml:"fallback_tier"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	UpgradeURL      string        `yaml:"upgrade_url"`
	ReleaseGuardTTL time.Duration `yaml:"release_guard_ttl"`

	CircuitBreaker struct {
		Enabled          bool          `yaml:"enabled"`
		FailureThreshold int           `yaml:"failure_threshold"`
		ResetTimeout     time.Duration `yaml:"reset_timeout"`
	} `yaml:"circuit_breaker"`
}

// WorkerConfig configures task execution.
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	MaxRetries      *int          `yaml:"max_retries"`
	HardLimit       time.Duration `yaml:"hard_limit"`
	SoftLimit       time.Duration `yaml:"soft_limit"`
	BackoffInitial  time.Duration `yaml:"backoff_initial"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`

	// Queues restricts the worker to these queues. Empty means all.
	Queues []string `yaml:"queues"`
}

// BridgeConfig configures the external executor client.
type BridgeConfig struct {
	bridge.Config `yaml:",inline"`

	// Endpoints maps executor kind names to execute paths.
	Endpoints map[string]string `yaml:"endpoints"`
}

// MaintenanceConfig configures periodic jobs.
type MaintenanceConfig struct {
	Enabled bool `yaml:"enabled"`

	// Enqueue publishes due jobs to the maintenance queue instead of
	// running them in the scheduling process.
	Enqueue    bool `yaml:"enqueue"`
	RunOnStart bool `yaml:"run_on_start"`

	// Schedules overrides the cron schedule of a job by name.
	Schedules map[string]string `yaml:"schedules"`
}

// Default returns the configuration used for fields a file leaves unset.
func Default() Config {
	return Config{
		LogLevel:    "info",
		MetricsAddr: ":9090",
		Redis: RedisConfig{
			Addrs:             []string{"localhost:6379"},
			StorePrefix:       redisstore.DefaultConfig().KeyPrefix,
			BrokerPrefix:      redisbroker.DefaultConfig().KeyPrefix,
			VisibilityTimeout: redisbroker.DefaultConfig().VisibilityTimeout,
		},
		Postgres: PostgresConfig{
			MaxConns:     postgres.DefaultConfig().MaxConns,
			QueryTimeout: postgres.DefaultConfig().QueryTimeout,
		},
		Gate: GateConfig{
			RateLimitWindow: taskgate.DefaultRateLimitWindow,
			UpgradeURL:      taskgate.DefaultUpgradeURL,
			ReleaseGuardTTL: taskgate.DefaultReleaseGuardTTL,
		},
		Tiers: taskgate.DefaultTiers(),
		Worker: WorkerConfig{
			Concurrency:     4,
			HardLimit:       worker.DefaultHardLimit,
			SoftLimit:       worker.DefaultSoftLimit,
			BackoffInitial:  time.Second,
			BackoffMax:      10 * time.Minute,
			PollInterval:    time.Second,
			ReclaimInterval: time.Minute,
			ShutdownGrace:   30 * time.Second,
		},
		Bridge:      BridgeConfig{Config: bridge.DefaultConfig()},
		Maintenance: MaintenanceConfig{Enabled: true, Enqueue: true},
	}
}

// Load reads and parses a YAML config file on top of Default().
// Environment variables in the format ${VAR} are expanded before parsing.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config data on top of Default().
func Parse(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Redis.Addrs) == 0 {
		return fmt.Errorf("config: redis: at least one address is required")
	}
	if err := c.Tiers.Validate(); err != nil {
		return fmt.Errorf("config: tiers: %w", err)
	}
	if c.Gate.FallbackTier != "" {
		if _, ok := c.Tiers.Get(c.Gate.FallbackTier); !ok {
			return fmt.Errorf("config: gate: fallback tier %q is not defined", c.Gate.FallbackTier)
		}
	}
	if _, err := c.DispatchRoutes(); err != nil {
		return err
	}
	if _, err := c.BridgeClientConfig(); err != nil {
		return err
	}

	w := c.Worker
	if w.Concurrency <= 0 {
		return fmt.Errorf("config: worker: concurrency must be positive, got %d", w.Concurrency)
	}
	if w.MaxRetries != nil && *w.MaxRetries < 0 {
		return fmt.Errorf("config: worker: max_retries must not be negative")
	}
	if w.SoftLimit >= w.HardLimit {
		return fmt.Errorf("config: worker: soft_limit %s must be below hard_limit %s", w.SoftLimit, w.HardLimit)
	}
	if c.Redis.VisibilityTimeout <= w.HardLimit {
		return fmt.Errorf("config: redis: visibility_timeout %s must exceed worker hard_limit %s",
			c.Redis.VisibilityTimeout, w.HardLimit)
	}
	for job, expr := range c.Maintenance.Schedules {
		if _, err := maintenance.ParseSchedule(expr); err != nil {
			return fmt.Errorf("config: maintenance: %s: %w", job, err)
		}
	}
	return nil
}

// MaintenanceHooks applies schedule overrides to hooks.
func (c Config) MaintenanceHooks(hooks []maintenance.Hook) []maintenance.Hook {
	out := make([]maintenance.Hook, len(hooks))
	for i, h := range hooks {
		if expr, ok := c.Maintenance.Schedules[h.Name]; ok {
			h.Schedule = expr
		}
		out[i] = h
	}
	return out
}

// RedisOptions returns client options for the configured deployment.
func (c Config) RedisOptions() *goredis.UniversalOptions {
	return &goredis.UniversalOptions{
		Addrs:    c.Redis.Addrs,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}

// DispatchRoutes converts the route table. An empty table yields the
// defaults.
func (c Config) DispatchRoutes() (map[taskgate.ExecutorKind]dispatch.Route, error) {
	if len(c.Routes) == 0 {
		return dispatch.DefaultRoutes(), nil
	}
	routes := make(map[taskgate.ExecutorKind]dispatch.Route, len(c.Routes))
	for name, r := range c.Routes {
		kind, err := taskgate.ParseExecutorKind(name)
		if err != nil {
			return nil, fmt.Errorf("config: routes: %w", err)
		}
		if r.Queue == "" {
			return nil, fmt.Errorf("config: routes: %s: queue is required", name)
		}
		if r.MaxPriority < dispatch.MinPriority || r.MaxPriority > dispatch.MaxPriority {
			return nil, fmt.Errorf("config: routes: %s: max_priority %d out of range", name, r.MaxPriority)
		}
		routes[kind] = r
	}
	return routes, nil
}

// GateConfig returns the admission gate configuration.
func (c Config) GateConfig(logger taskgate.Logger, metrics taskgate.Metrics) taskgate.Config {
	return taskgate.Config{
		Tiers:           c.Tiers,
		FallbackTier:    c.Gate.FallbackTier,
		RateLimitWindow: c.Gate.RateLimitWindow,
		UpgradeURL:      c.Gate.UpgradeURL,
		ReleaseGuardTTL: c.Gate.ReleaseGuardTTL,
		Logger:          logger,
		Metrics:         metrics,
	}
}

// CircuitBreakerConfig returns the store circuit breaker configuration.
func (c Config) CircuitBreakerConfig() *taskgate.CircuitBreakerConfig {
	cb := c.Gate.CircuitBreaker
	return &taskgate.CircuitBreakerConfig{
		Enabled:          cb.Enabled,
		FailureThreshold: cb.FailureThreshold,
		ResetTimeout:     cb.ResetTimeout,
	}
}

// PostgresStoreConfig returns the tier database configuration.
func (c Config) PostgresStoreConfig() postgres.Config {
	pc := postgres.DefaultConfig()
	pc.ConnectionString = c.Postgres.DSN
	if c.Postgres.MaxConns > 0 {
		pc.MaxConns = c.Postgres.MaxConns
	}
	if c.Postgres.QueryTimeout > 0 {
		pc.QueryTimeout = c.Postgres.QueryTimeout
	}
	return pc
}

// ExecutorConfig returns the worker executor configuration.
func (c Config) ExecutorConfig(logger taskgate.Logger, sink worker.EventSink) worker.Config {
	wc := worker.DefaultConfig()
	if c.Worker.MaxRetries != nil {
		wc.MaxRetries = *c.Worker.MaxRetries
	}
	wc.HardLimit = c.Worker.HardLimit
	wc.SoftLimit = c.Worker.SoftLimit
	wc.Backoff = backoff.NewExponentialWithJitter(c.Worker.BackoffInitial, c.Worker.BackoffMax)
	wc.Logger = logger
	wc.Sink = sink
	return wc
}

// PoolConfig returns the worker pool configuration for the given queues,
// narrowed to Worker.Queues when set.
func (c Config) PoolConfig(queues []dispatch.QueueInfo, logger taskgate.Logger) worker.PoolConfig {
	if len(c.Worker.Queues) > 0 {
		allowed := make(map[string]bool, len(c.Worker.Queues))
		for _, q := range c.Worker.Queues {
			allowed[q] = true
		}
		filtered := queues[:0:0]
		for _, q := range queues {
			if allowed[q.Name] {
				filtered = append(filtered, q)
			}
		}
		queues = filtered
	}
	return worker.PoolConfig{
		Queues:          worker.QueuesFor(queues, c.Worker.Concurrency),
		PollInterval:    c.Worker.PollInterval,
		ReclaimInterval: c.Worker.ReclaimInterval,
		ShutdownGrace:   c.Worker.ShutdownGrace,
		Logger:          logger,
	}
}

// BridgeClientConfig returns the executor client configuration.
func (c Config) BridgeClientConfig() (bridge.Config, error) {
	bc := c.Bridge.Config
	if len(c.Bridge.Endpoints) > 0 {
		bc.Endpoints = make(map[taskgate.ExecutorKind]string, len(c.Bridge.Endpoints))
		for name, path := range c.Bridge.Endpoints {
			kind, err := taskgate.ParseExecutorKind(name)
			if err != nil {
				return bridge.Config{}, fmt.Errorf("config: bridge: endpoints: %w", err)
			}
			bc.Endpoints[kind] = path
		}
	}
	return bc, nil
}
