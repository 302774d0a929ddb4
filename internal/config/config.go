package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server      ServerConfig      `toml:"server"`
	Database    DatabaseConfig    `toml:"database"`
	Registry    RegistryConfig    `toml:"registry"`
	Pool        PoolConfig        `toml:"pool"`
	LoadBalance LoadBalanceConfig `toml:"load_balance"`
	Breaker     BreakerConfig     `toml:"circuit_breaker"`
	Scaling     ScalingConfig     `toml:"scaling"`
	Generator   GeneratorConfig   `toml:"generator"`
	Executor    ExecutorConfig    `toml:"executor"`
	Services    []ServiceConfig   `toml:"services"`
	Observer    ObserverConfig    `toml:"observer"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type DatabaseConfig struct {
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type RegistryConfig struct {
	DiscoveryIntervalSeconds   int `toml:"discovery_interval_seconds"`
	HealthProbeIntervalSeconds int `toml:"health_probe_interval_seconds"`
}

type PoolConfig struct {
	MinInstancesPerAgent   int `toml:"min_instances_per_agent"`
	MaxInstancesPerAgent   int `toml:"max_instances_per_agent"`
	InstanceTimeoutSeconds int `toml:"instance_timeout_seconds"`
}

type LoadBalanceConfig struct {
	Algorithm            string  `toml:"algorithm"`
	SessionAffinity      bool    `toml:"session_affinity"`
	AffinitySource       string  `toml:"affinity_source"`
	AffinityHeader       string  `toml:"affinity_header"`
	StickySessionSeconds int     `toml:"sticky_session_seconds"`
	FailoverRetries      int     `toml:"failover_retries"`
	CircuitBreakerOn     bool    `toml:"circuit_breaker_enabled"`
	AdaptiveWeights      bool    `toml:"adaptive_weights"`
	HealthCheckWeight    float64 `toml:"health_check_weight"`
	ResponseTimeWeight   float64 `toml:"response_time_weight"`
	LoadWeight           float64 `toml:"load_weight"`
	MaxRoundRobinCounter int     `toml:"max_round_robin_counter_per_agent"`
}

type BreakerConfig struct {
	FailureThreshold   int `toml:"failure_threshold"`
	SuccessThreshold   int `toml:"success_threshold"`
	OpenTimeoutSeconds int `toml:"open_timeout_seconds"`
}

type ScalingConfig struct {
	ScaleUpLoad                 float64 `toml:"scale_up_load"`
	ScaleDownLoad               float64 `toml:"scale_down_load"`
	ScaleUpLatencyMS            int     `toml:"scale_up_latency_ms"`
	ScaleUpErrorRate            float64 `toml:"scale_up_error_rate"`
	OptimizationIntervalSeconds int     `toml:"optimization_interval_seconds"`
	MetricsWindow               int     `toml:"metrics_window"`
	MinDataPoints               int     `toml:"min_data_points"`
}

type GeneratorConfig struct {
	SuccessWeight float64 `toml:"success_weight"`
	SpeedWeight   float64 `toml:"speed_weight"`
	CostWeight    float64 `toml:"cost_weight"`
}

type ExecutorConfig struct {
	DeadlineSeconds int `toml:"deadline_seconds"`
}

type ServiceConfig struct {
	Name       string `toml:"name"`
	BaseURL    string `toml:"base_url"`
	ListPath   string `toml:"list_path"`
	HealthPath string `toml:"health_path"`
	Type       string `toml:"type"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{Driver: "sqlite", Path: "plexus.db"},
		Registry: RegistryConfig{DiscoveryIntervalSeconds: 300, HealthProbeIntervalSeconds: 60},
		Pool:     PoolConfig{MinInstancesPerAgent: 1, MaxInstancesPerAgent: 10, InstanceTimeoutSeconds: 3600},
		LoadBalance: LoadBalanceConfig{
			Algorithm:            "roundRobin",
			SessionAffinity:      true,
			AffinitySource:       "sessionId",
			StickySessionSeconds: 3600,
			FailoverRetries:      3,
			CircuitBreakerOn:     true,
			AdaptiveWeights:      true,
			HealthCheckWeight:    0.4,
			LoadWeight:           0.4,
			ResponseTimeWeight:   0.2,
			MaxRoundRobinCounter: 10000,
		},
		Breaker: BreakerConfig{FailureThreshold: 5, SuccessThreshold: 3, OpenTimeoutSeconds: 60},
		Scaling: ScalingConfig{
			ScaleUpLoad:                 0.8,
			ScaleDownLoad:               0.3,
			ScaleUpLatencyMS:            10000,
			ScaleUpErrorRate:            0.25,
			OptimizationIntervalSeconds: 60,
			MetricsWindow:               100,
			MinDataPoints:               3,
		},
		Generator: GeneratorConfig{SuccessWeight: 0.4, SpeedWeight: 0.3, CostWeight: 0.3},
		Executor:  ExecutorConfig{DeadlineSeconds: 300},
	}
}

// Deadline returns the executor time budget as a duration.
func (c Config) Deadline() time.Duration {
	return time.Duration(c.Executor.DeadlineSeconds) * time.Second
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "plexus.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("PLEXUS_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PLEXUS_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("PLEXUS_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("PLEXUS_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
		cfg.Database.Driver = "postgres"
	}
	if v := os.Getenv("PLEXUS_ROUTING"); v != "" {
		cfg.LoadBalance.Algorithm = v
	}
	if v := os.Getenv("PLEXUS_DEADLINE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Executor.DeadlineSeconds = n
		}
	}
	if os.Getenv("PLEXUS_OBSERVER_ENABLED") == "true" || os.Getenv("PLEXUS_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Executor.DeadlineSeconds <= 0 {
		cfg.Executor.DeadlineSeconds = 300
	}
	if cfg.Generator.SuccessWeight <= 0 && cfg.Generator.SpeedWeight <= 0 && cfg.Generator.CostWeight <= 0 {
		cfg.Generator = Default().Generator
	}
	if cfg.Pool.MaxInstancesPerAgent < cfg.Pool.MinInstancesPerAgent {
		cfg.Pool.MaxInstancesPerAgent = cfg.Pool.MinInstancesPerAgent
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.SuccessThreshold <= 0 {
		cfg.Breaker.SuccessThreshold = 3
	}
	if cfg.Breaker.OpenTimeoutSeconds <= 0 {
		cfg.Breaker.OpenTimeoutSeconds = 60
	}

	return cfg
}
