// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// PublicURL prefixes handoff links rendered into QR codes.
	PublicURL string `yaml:"public_url"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type StorageConfig struct {
	Jobs    string `yaml:"jobs"`    // memory|postgres
	Handoff string `yaml:"handoff"` // memory|redis
}

type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
	HandoffSecret string `yaml:"handoff_secret"`
}

// EngineConfig holds the defaults every job kind inherits.
type EngineConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	InterCallDelay  time.Duration `yaml:"inter_call_delay"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PollMaxAttempts int           `yaml:"poll_max_attempts"`
	MaxPages        int           `yaml:"max_pages"`
	Retention       time.Duration `yaml:"retention"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	MaxRunningJobs  int           `yaml:"max_running_jobs"`
	QueueSize       int           `yaml:"queue_size"`
}

type HandoffConfig struct {
	DefaultTTL        time.Duration `yaml:"default_ttl"`
	MaxTTL            time.Duration `yaml:"max_ttl"`
	DefaultMaxResults int           `yaml:"default_max_results"`
}

type TargetConfig struct {
	ID      string         `yaml:"id"`
	Payload map[string]any `yaml:"payload"`
}

type ExecutorConfig struct {
	Type        string            `yaml:"type"` // http|noop
	URL         string            `yaml:"url"`  // "{id}" is replaced with the target id
	Method      string            `yaml:"method"`
	Headers     map[string]string `yaml:"headers"`
	Timeout     time.Duration     `yaml:"timeout"`
	SuccessPath string            `yaml:"success_path"` // gjson path to a bool; false => permanent failure
	MessagePath string            `yaml:"message_path"`
	DetailPath  string            `yaml:"detail_path"`
	MaxBody     int64             `yaml:"max_body"`

	// Noop executor knobs (dev/demo).
	NoopDelay   time.Duration `yaml:"noop_delay"`
	NoopFailIDs []string      `yaml:"noop_fail_ids"`
	NoopPages   int           `yaml:"noop_pages"`
}

type UniverseConfig struct {
	Static    []TargetConfig    `yaml:"static"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	ItemsPath string            `yaml:"items_path"` // gjson path to the array
	IDPath    string            `yaml:"id_path"`    // gjson path inside each item
}

type PaginateConfig struct {
	Start       TargetConfig `yaml:"start"`
	HasMorePath string       `yaml:"has_more_path"`
	NextPath    string       `yaml:"next_path"`
	MaxPages    int          `yaml:"max_pages"`
}

type SharedLimitConfig struct {
	Key    string        `yaml:"key"`
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// KindConfig describes one bulk operation (coupon issuance, CODEF sync ...).
type KindConfig struct {
	Mode           string            `yaml:"mode"` // batch|paginate|handoff
	Concurrency    int               `yaml:"concurrency"`
	InterCallDelay time.Duration     `yaml:"inter_call_delay"`
	RatePerSec     float64           `yaml:"rate_per_sec"`
	SharedLimit    SharedLimitConfig `yaml:"shared_limit"`
	Executor       ExecutorConfig    `yaml:"executor"`
	Universe       UniverseConfig    `yaml:"universe"`
	Paginate       PaginateConfig    `yaml:"paginate"`
}

type Config struct {
	HTTP     HTTPConfig            `yaml:"http"`
	Log      LogConfig             `yaml:"log"`
	Database DatabaseConfig        `yaml:"database"`
	Redis    RedisConfig           `yaml:"redis"`
	Storage  StorageConfig         `yaml:"storage"`
	Security SecurityConfig        `yaml:"security"`
	Engine   EngineConfig          `yaml:"engine"`
	Handoff  HandoffConfig         `yaml:"handoff"`
	Kinds    map[string]KindConfig `yaml:"kinds"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path, expands ${ENV} references, applies
// defaults and validates the result.
func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b, dev)
}

// Parse is LoadConfig without the file read.
func Parse(b []byte, dev bool) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.Runtime.Dev = dev
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		cfg.HTTP.RequestTimeout = 15 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)
	if cfg.Storage.Jobs == "" {
		cfg.Storage.Jobs = "memory"
	}
	if cfg.Storage.Handoff == "" {
		cfg.Storage.Handoff = "memory"
	}

	e := &cfg.Engine
	if e.Concurrency <= 0 {
		e.Concurrency = 3
	}
	if e.InterCallDelay <= 0 {
		e.InterCallDelay = 200 * time.Millisecond
	}
	if e.CallTimeout <= 0 {
		e.CallTimeout = 30 * time.Second
	}
	if e.PollInterval <= 0 {
		e.PollInterval = 2 * time.Second
	}
	if e.PollMaxAttempts <= 0 {
		e.PollMaxAttempts = 10
	}
	if e.MaxPages <= 0 {
		e.MaxPages = 500
	}
	if e.Retention <= 0 {
		e.Retention = 24 * time.Hour
	}
	if e.JanitorInterval <= 0 {
		e.JanitorInterval = 10 * time.Minute
	}
	if e.MaxRunningJobs <= 0 {
		e.MaxRunningJobs = 4
	}
	if e.QueueSize <= 0 {
		e.QueueSize = 64
	}

	h := &cfg.Handoff
	if h.DefaultTTL <= 0 {
		h.DefaultTTL = 10 * time.Minute
	}
	if h.MaxTTL <= 0 {
		h.MaxTTL = time.Hour
	}
	if h.DefaultMaxResults <= 0 {
		h.DefaultMaxResults = 20
	}

	for name, k := range cfg.Kinds {
		k.Mode = strings.ToLower(strings.TrimSpace(k.Mode))
		if k.Mode == "" {
			k.Mode = "batch"
		}
		if k.Concurrency <= 0 {
			k.Concurrency = e.Concurrency
		}
		if k.InterCallDelay <= 0 {
			k.InterCallDelay = e.InterCallDelay
		}
		if k.Executor.Type == "" {
			k.Executor.Type = "http"
		}
		if k.Executor.Method == "" {
			k.Executor.Method = "POST"
		}
		if k.Executor.Timeout <= 0 {
			k.Executor.Timeout = e.CallTimeout
		}
		if k.Paginate.MaxPages <= 0 {
			k.Paginate.MaxPages = e.MaxPages
		}
		if k.SharedLimit.Key != "" && k.SharedLimit.Window <= 0 {
			k.SharedLimit.Window = time.Second
		}
		cfg.Kinds[name] = k
	}
}

func (cfg *Config) validate() error {
	switch cfg.Storage.Jobs {
	case "memory":
	case "postgres":
		if cfg.Database.URL == "" {
			return errors.New("database.url is required for storage.jobs=postgres")
		}
	default:
		return fmt.Errorf("storage.jobs: unsupported driver %q", cfg.Storage.Jobs)
	}
	switch cfg.Storage.Handoff {
	case "memory":
	case "redis":
		if cfg.Redis.URL == "" {
			return errors.New("redis.url is required for storage.handoff=redis")
		}
	default:
		return fmt.Errorf("storage.handoff: unsupported driver %q", cfg.Storage.Handoff)
	}
	if cfg.Security.HandoffSecret == "" && !cfg.Runtime.Dev {
		return errors.New("security.handoff_secret is required")
	}
	if len(cfg.Kinds) == 0 {
		return errors.New("at least one job kind must be configured")
	}
	for name, k := range cfg.Kinds {
		switch k.Mode {
		case "batch", "paginate", "handoff":
		default:
			return fmt.Errorf("kinds.%s.mode: unsupported mode %q", name, k.Mode)
		}
		if k.Mode == "handoff" {
			continue
		}
		switch k.Executor.Type {
		case "noop":
		case "http":
			if k.Executor.URL == "" {
				return fmt.Errorf("kinds.%s.executor.url is required", name)
			}
		default:
			return fmt.Errorf("kinds.%s.executor.type: unsupported type %q", name, k.Executor.Type)
		}
		if k.SharedLimit.Key != "" && cfg.Redis.URL == "" {
			return fmt.Errorf("kinds.%s.shared_limit requires redis.url", name)
		}
	}
	return nil
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}
