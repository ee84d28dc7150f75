package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"execjs-bridge/internal/runtime"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// RuntimeConfig selects and describes the external JavaScript runtimes.
// Definitions are merged over the built-in registry; an entry with a
// built-in name replaces it.
type RuntimeConfig struct {
	Default        string               `yaml:"default"` // empty means autodetect
	ScratchDir     string               `yaml:"scratch_dir"`
	MaxConcurrent  int                  `yaml:"max_concurrent"`
	DefaultTimeout time.Duration        `yaml:"default_timeout"` // 0 means no service-imposed deadline
	MaxTimeout     time.Duration        `yaml:"max_timeout"`
	MaxSourceBytes int                  `yaml:"max_source_bytes"`
	OrphanMaxAge   time.Duration        `yaml:"orphan_max_age"`
	Definitions    []runtime.Definition `yaml:"definitions"`
	Watch          bool                 `yaml:"watch"`
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

// TracingConfig controls span creation. Spans go to the global otel
// TracerProvider, which an embedding host configures; disabled installs a
// no-op provider.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
	DetectSource         bool     `yaml:"detect_source"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
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
			WriteTimeout:    65 * time.Second, // > max evaluation timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  2 << 20,
		},
		Runtime: RuntimeConfig{
			MaxConcurrent:  64,
			DefaultTimeout: 10 * time.Second,
			MaxTimeout:     60 * time.Second,
			MaxSourceBytes: 1 << 20,
			OrphanMaxAge:   10 * time.Minute,
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
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
			DetectSource:   true,
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
	if c.Runtime.MaxTimeout > 0 && c.Runtime.DefaultTimeout > c.Runtime.MaxTimeout {
		return fmt.Errorf("runtime.default_timeout (%s) must be <= max_timeout (%s)",
			c.Runtime.DefaultTimeout, c.Runtime.MaxTimeout)
	}
	if c.Runtime.MaxConcurrent < 1 {
		return fmt.Errorf("runtime.max_concurrent must be >= 1")
	}
	if c.Runtime.MaxSourceBytes < 1 {
		return fmt.Errorf("runtime.max_source_bytes must be >= 1")
	}
	if c.Runtime.ScratchDir != "" && !filepath.IsAbs(c.Runtime.ScratchDir) {
		return fmt.Errorf("runtime.scratch_dir: %q must be an absolute path", c.Runtime.ScratchDir)
	}

	seen := make(map[string]bool, len(c.Runtime.Definitions))
	for i, def := range c.Runtime.Definitions {
		if err := def.Validate(); err != nil {
			return fmt.Errorf("runtime.definitions[%d]: %w", i, err)
		}
		if seen[def.Name] {
			return fmt.Errorf("runtime.definitions[%d]: duplicate name %q", i, def.Name)
		}
		seen[def.Name] = true
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

// Registry returns the built-in runtime registry with the configured
// definitions registered over it.
func (c *Config) Registry() *runtime.Registry {
	reg := runtime.NewRegistry()
	for _, def := range c.Runtime.Definitions {
		reg.Register(def)
	}
	return reg
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
