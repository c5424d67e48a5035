package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the optional YAML file read by Load when no path is given.
const DefaultPath = "configs/config.yaml"

// EnvPrefix marks environment overrides, e.g. SIM_SIMULATION_DRIFT_INTERVAL=5s.
const EnvPrefix = "SIM_"

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment" validate:"oneof=development production test"`
	LogLevel    string `koanf:"log_level" validate:"oneof=debug info warn error"`

	Simulation  SimulationConfig  `koanf:"simulation"`
	Store       StoreConfig       `koanf:"store"`
	Explanation ExplanationConfig `koanf:"explanation"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Metrics     MetricsConfig     `koanf:"metrics"`
}

type SimulationConfig struct {
	Scenario           string        `koanf:"scenario"`
	Wallet             string        `koanf:"wallet"`
	DriftInterval      time.Duration `koanf:"drift_interval" validate:"gt=0"`
	FlagInterval       time.Duration `koanf:"flag_interval" validate:"gt=0"`
	DecisionLatency    time.Duration `koanf:"decision_latency" validate:"gte=0"`
	ScenarioSetupDelay time.Duration `koanf:"scenario_setup_delay" validate:"gte=0"`
	SubscriberBuffer   int           `koanf:"subscriber_buffer" validate:"gt=0"`
	TimeScale          float64       `koanf:"time_scale" validate:"gt=0"` // scales scripted scenario delays
	Seed               uint64        `koanf:"seed"`
}

type StoreConfig struct {
	Driver   string       `koanf:"driver" validate:"oneof=sqlite redis memory"`
	AuditKey string       `koanf:"audit_key" validate:"required"`
	SQLite   SQLiteConfig `koanf:"sqlite"`
	Redis    RedisConfig  `koanf:"redis"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db" validate:"gte=0"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type ExplanationConfig struct {
	Enabled        bool          `koanf:"enabled"`
	SimulatedDelay time.Duration `koanf:"simulated_delay" validate:"gte=0"`
	Timeout        time.Duration `koanf:"timeout" validate:"gt=0"`
	RatePerSecond  float64       `koanf:"rate_per_second" validate:"gte=0"`
	Burst          int           `koanf:"burst" validate:"gte=0"`
	Breaker        BreakerConfig `koanf:"breaker"`
}

type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	SuccessThreshold int           `koanf:"success_threshold"`
	Timeout          time.Duration `koanf:"timeout"`
	MaxRequests      int           `koanf:"max_requests"`
}

type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	ServiceName   string        `koanf:"service_name"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate" validate:"gte=0,lte=1"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
	BatchTimeout  time.Duration `koanf:"batch_timeout"`
}

type MetricsConfig struct {
	Address string `koanf:"address"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Simulation: SimulationConfig{
			Scenario:           "default_start",
			DriftInterval:      10 * time.Second,
			FlagInterval:       18 * time.Second,
			DecisionLatency:    1200 * time.Millisecond,
			ScenarioSetupDelay: 700 * time.Millisecond,
			SubscriberBuffer:   64,
			TimeScale:          1,
		},
		Store: StoreConfig{
			Driver:   "sqlite",
			AuditKey: "foundlab:nexus:audit_log",
			SQLite: SQLiteConfig{
				Path: "data/simulator.db",
			},
			Redis: RedisConfig{
				URL:          "localhost:6379",
				PoolSize:     10,
				MinIdleConns: 1,
				MaxRetries:   3,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
		},
		Explanation: ExplanationConfig{
			Enabled:        false,
			SimulatedDelay: 600 * time.Millisecond,
			Timeout:        10 * time.Second,
			RatePerSecond:  2,
			Burst:          4,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
				MaxRequests:      3,
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "reputation-simulator",
			OTLPEndpoint:  "localhost:4317",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			BatchTimeout:  5 * time.Second,
		},
	}
}

// Load reads defaults, then the YAML file at path (DefaultPath when empty,
// optional), then SIM_ environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps SIM_SECTION_SOME_KEY to section.some_key. Only the first
// underscore separates the section, so multi-word keys survive.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, found := strings.Cut(s, "_")
	if !found {
		return s
	}
	switch section {
	case "store", "explanation", "telemetry", "metrics", "simulation":
		if sub, key, ok := strings.Cut(rest, "_"); ok && (sub == "sqlite" || sub == "redis" || sub == "breaker") {
			return section + "." + sub + "." + key
		}
		return section + "." + rest
	default:
		return s
	}
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Store.Driver == "sqlite" && c.Store.SQLite.Path == "" {
		return fmt.Errorf("invalid configuration: store.sqlite.path is required for the sqlite driver")
	}
	if c.Store.Driver == "redis" && c.Store.Redis.URL == "" {
		return fmt.Errorf("invalid configuration: store.redis.url is required for the redis driver")
	}
	return nil
}
