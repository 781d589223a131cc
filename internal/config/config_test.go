package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Executor.Timeout != 5*time.Second {
		t.Errorf("Executor.Timeout = %s, want 5s", cfg.Executor.Timeout)
	}
	if cfg.Executor.HashSeed != "0" {
		t.Errorf("Executor.HashSeed = %q, want \"0\"", cfg.Executor.HashSeed)
	}
	if cfg.Sanitizer.MaxLoops != 4 {
		t.Errorf("Sanitizer.MaxLoops = %d, want 4", cfg.Sanitizer.MaxLoops)
	}
	exec := cfg.RateLimits.Policies[PolicyExecution]
	if exec.MaxRequests != 30 || exec.Window != 5*time.Minute {
		t.Errorf("execution policy = %+v, want 30 per 5m", exec)
	}
	if cfg.RateLimits.SweepInterval != 30*time.Minute {
		t.Errorf("SweepInterval = %s, want 30m", cfg.RateLimits.SweepInterval)
	}
	if cfg.RateLimits.Retention != 24*time.Hour {
		t.Errorf("Retention = %s, want 24h", cfg.RateLimits.Retention)
	}
	if cfg.Violations.Threshold != 3 {
		t.Errorf("Violations.Threshold = %d, want 3", cfg.Violations.Threshold)
	}
	if cfg.Violations.BaseBlock != time.Hour || cfg.Violations.MaxBlock != 24*time.Hour {
		t.Errorf("Violations = %+v, want 60m base and 1440m cap", cfg.Violations)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("Store.Backend = %q, want memory", cfg.Store.Backend)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return DefaultConfig()
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"unknown backend", func(c *Config) { c.Executor.Backend = "firecracker" }, true},
		{"docker backend", func(c *Config) { c.Executor.Backend = "docker" }, false},
		{"zero timeout", func(c *Config) { c.Executor.Timeout = 0 }, true},
		{"timeout beyond write timeout", func(c *Config) {
			c.Executor.Timeout = time.Minute
			c.Server.WriteTimeout = 30 * time.Second
		}, true},
		{"max_concurrent 0", func(c *Config) { c.Executor.MaxConcurrent = 0 }, true},
		{"relative scratch dir", func(c *Config) { c.Executor.ScratchDir = "tmp/scratch" }, true},
		{"absolute scratch dir", func(c *Config) { c.Executor.ScratchDir = "/var/tmp/runner" }, false},
		{"memory_mb < 16", func(c *Config) { c.Executor.Limits.MemoryMB = 8 }, true},
		{"memory_mb unset", func(c *Config) { c.Executor.Limits.MemoryMB = 0 }, false},
		{"missing execution policy", func(c *Config) {
			delete(c.RateLimits.Policies, PolicyExecution)
		}, true},
		{"policy with zero requests", func(c *Config) {
			c.RateLimits.Policies["link_issuance"] = PolicyConfig{MaxRequests: 0, Window: 10 * time.Minute}
		}, true},
		{"policy window beyond retention", func(c *Config) {
			c.RateLimits.Policies["weekly"] = PolicyConfig{MaxRequests: 5, Window: 7 * 24 * time.Hour}
		}, true},
		{"extra policy", func(c *Config) {
			c.RateLimits.Policies["link_issuance"] = PolicyConfig{MaxRequests: 5, Window: 10 * time.Minute}
		}, false},
		{"threshold 0", func(c *Config) { c.Violations.Threshold = 0 }, true},
		{"cap below base", func(c *Config) {
			c.Violations.BaseBlock = 2 * time.Hour
			c.Violations.MaxBlock = time.Hour
		}, true},
		{"redis without addr", func(c *Config) {
			c.Store.Backend = "redis"
			c.Store.Redis.Addr = ""
		}, true},
		{"unknown store", func(c *Config) { c.Store.Backend = "etcd" }, true},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = ""
			c.TLS.KeyFile = ""
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
executor:
  timeout: 3s
  max_concurrent: 8
  limits:
    memory_mb: 512
rate_limits:
  policies:
    execution:
      max_requests: 10
      window: 1m
violations:
  threshold: 5
store:
  backend: redis
  redis:
    addr: "redis.internal:6379"
`
	tmpFile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(yamlContent); err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Executor.Timeout != 3*time.Second {
		t.Errorf("Executor.Timeout = %s, want 3s", cfg.Executor.Timeout)
	}
	if cfg.Executor.MaxConcurrent != 8 {
		t.Errorf("Executor.MaxConcurrent = %d, want 8", cfg.Executor.MaxConcurrent)
	}
	if cfg.Executor.Limits.MemoryMB != 512 {
		t.Errorf("Limits.MemoryMB = %d, want 512", cfg.Executor.Limits.MemoryMB)
	}
	if got := cfg.RateLimits.Policies[PolicyExecution]; got.MaxRequests != 10 || got.Window != time.Minute {
		t.Errorf("execution policy = %+v, want 10 per 1m", got)
	}
	if _, ok := cfg.RateLimits.Policies[PolicyValidation]; !ok {
		t.Error("validation policy default was dropped by the overlay")
	}
	if cfg.Violations.Threshold != 5 {
		t.Errorf("Violations.Threshold = %d, want 5", cfg.Violations.Threshold)
	}
	if cfg.Violations.BaseBlock != time.Hour {
		t.Errorf("Violations.BaseBlock = %s, want default 1h", cfg.Violations.BaseBlock)
	}
	if cfg.Store.Redis.Addr != "redis.internal:6379" {
		t.Errorf("Store.Redis.Addr = %q", cfg.Store.Redis.Addr)
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("executor:\n  backend: vm\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error, got nil")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
