package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Sanitizer  SanitizerConfig `yaml:"sanitizer"`
	Executor   ExecutorConfig  `yaml:"executor"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Violations ViolationConfig `yaml:"violations"`
	Store      StoreConfig     `yaml:"store"`
	Database   DatabaseConfig  `yaml:"database"`
	Metrics    MetricsConfig   `yaml:"metrics"`
	Tracing    TracingConfig   `yaml:"tracing"`
	Security   SecurityConfig  `yaml:"security"`
	TLS        TLSConfig       `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// SanitizerConfig overrides the static analysis lists. Empty lists keep the
// built-in defaults.
type SanitizerConfig struct {
	AllowedModules       []string `yaml:"allowed_modules"`
	DeniedModules        []string `yaml:"denied_modules"`
	DangerousBuiltins    []string `yaml:"dangerous_builtins"`
	ReflectiveAttributes []string `yaml:"reflective_attributes"`
	MaxLoops             int      `yaml:"max_loops"`
	MaxCodeChars         int      `yaml:"max_code_chars"`
	MaxTextChars         int      `yaml:"max_text_chars"`
}

type ExecutorConfig struct {
	Backend          string        `yaml:"backend"` // "process" (default), "docker", or "containerd"
	Timeout          time.Duration `yaml:"timeout"`
	Python           string        `yaml:"python"`
	ScratchDir       string        `yaml:"scratch_dir"`
	HashSeed         string        `yaml:"hash_seed"`
	MaxOutputBytes   int           `yaml:"max_output_bytes"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	Limits           LimitsConfig  `yaml:"limits"`
	Image            string        `yaml:"image"`
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
}

// LimitsConfig caps child resources. Zero leaves the host default in place
// for the process backend; container backends fall back to their own floor.
type LimitsConfig struct {
	MemoryMB   int64 `yaml:"memory_mb"`
	CPUSeconds int64 `yaml:"cpu_seconds"`
	FileSizeMB int64 `yaml:"file_size_mb"`
	PidsLimit  int64 `yaml:"pids_limit"`
	CPUShares  int64 `yaml:"cpu_shares"`
}

// PolicyConfig is one named sliding-window limit.
type PolicyConfig struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

type RateLimitConfig struct {
	Policies      map[string]PolicyConfig `yaml:"policies"`
	SweepInterval time.Duration           `yaml:"sweep_interval"`
	Retention     time.Duration           `yaml:"retention"`
}

type ViolationConfig struct {
	Threshold uint64        `yaml:"threshold"`
	BaseBlock time.Duration `yaml:"base_block"`
	MaxBlock  time.Duration `yaml:"max_block"`
}

type StoreConfig struct {
	Backend string      `yaml:"backend"` // "memory" (default) or "redis"
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	PoolSize  int    `yaml:"pool_size"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Insecure bool    `yaml:"insecure"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	// IdentityHeader names a header carrying the learner identity. Leave it
	// empty unless a trusted gateway sets the header and strips any value the
	// client sent; otherwise a caller can pick a fresh identity per request.
	IdentityHeader string `yaml:"identity_header"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Names of the built-in rate limit policies.
const (
	PolicyExecution  = "execution"
	PolicyValidation = "validation"
	PolicyAPI        = "api"
)

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from env or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second, // > executor timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  256 << 10,
		},
		Sanitizer: SanitizerConfig{
			MaxLoops:     4,
			MaxCodeChars: 10000,
			MaxTextChars: 5000,
		},
		Executor: ExecutorConfig{
			Backend:          "process",
			Timeout:          5 * time.Second,
			Python:           "python3",
			HashSeed:         "0",
			MaxOutputBytes:   1 << 20,
			MaxConcurrent:    32,
			Image:            "docker.io/library/python:3.12-slim",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "coderunner",
		},
		RateLimits: RateLimitConfig{
			Policies: map[string]PolicyConfig{
				PolicyExecution:  {MaxRequests: 30, Window: 5 * time.Minute},
				PolicyValidation: {MaxRequests: 60, Window: 5 * time.Minute},
				PolicyAPI:        {MaxRequests: 600, Window: time.Minute},
			},
			SweepInterval: 30 * time.Minute,
			Retention:     24 * time.Hour,
		},
		Violations: ViolationConfig{
			Threshold: 3,
			BaseBlock: 60 * time.Minute,
			MaxBlock:  24 * time.Hour,
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "coderunner:",
				PoolSize:  20,
			},
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader: "X-API-Key",
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Sanitizer.MaxLoops < 0 {
		return fmt.Errorf("sanitizer.max_loops must be >= 0")
	}
	if c.Sanitizer.MaxCodeChars < 1 {
		return fmt.Errorf("sanitizer.max_code_chars must be >= 1")
	}
	switch c.Executor.Backend {
	case "process", "docker", "containerd":
	default:
		return fmt.Errorf("executor.backend must be process, docker, or containerd, got %q", c.Executor.Backend)
	}
	if c.Executor.Timeout <= 0 {
		return fmt.Errorf("executor.timeout must be positive")
	}
	if c.Executor.Timeout >= c.Server.WriteTimeout {
		return fmt.Errorf("executor.timeout (%s) must be < server.write_timeout (%s)",
			c.Executor.Timeout, c.Server.WriteTimeout)
	}
	if c.Executor.MaxConcurrent < 1 {
		return fmt.Errorf("executor.max_concurrent must be >= 1")
	}
	if c.Executor.ScratchDir != "" && !filepath.IsAbs(c.Executor.ScratchDir) {
		return fmt.Errorf("executor.scratch_dir: %q must be an absolute path", c.Executor.ScratchDir)
	}
	if c.Executor.Limits.MemoryMB != 0 && c.Executor.Limits.MemoryMB < 16 {
		return fmt.Errorf("executor.limits.memory_mb must be 0 or >= 16")
	}
	for _, name := range []string{PolicyExecution, PolicyValidation} {
		if _, ok := c.RateLimits.Policies[name]; !ok {
			return fmt.Errorf("rate_limits.policies.%s is required", name)
		}
	}
	for name, p := range c.RateLimits.Policies {
		if p.MaxRequests < 1 {
			return fmt.Errorf("rate_limits.policies.%s.max_requests must be >= 1", name)
		}
		if p.Window <= 0 {
			return fmt.Errorf("rate_limits.policies.%s.window must be positive", name)
		}
		if p.Window > c.RateLimits.Retention {
			return fmt.Errorf("rate_limits.policies.%s.window (%s) must be <= retention (%s)",
				name, p.Window, c.RateLimits.Retention)
		}
	}
	if c.RateLimits.SweepInterval <= 0 {
		return fmt.Errorf("rate_limits.sweep_interval must be positive")
	}
	if c.Violations.Threshold < 1 {
		return fmt.Errorf("violations.threshold must be >= 1")
	}
	if c.Violations.BaseBlock <= 0 || c.Violations.MaxBlock < c.Violations.BaseBlock {
		return fmt.Errorf("violations: need 0 < base_block (%s) <= max_block (%s)",
			c.Violations.BaseBlock, c.Violations.MaxBlock)
	}
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required when store.backend is redis")
		}
	default:
		return fmt.Errorf("store.backend must be memory or redis, got %q", c.Store.Backend)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
