// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Equal snapshot policies.
const (
	EqualSnapshotResync = "resync"
	EqualSnapshotIgnore = "ignore"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Transport     TransportConfig     `yaml:"transport"`
	Loader        LoaderConfig        `yaml:"loader"`
	Sync          SyncConfig          `yaml:"sync"`
	Startup       StartupConfig       `yaml:"startup"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes the inspection HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TransportConfig describes the notification transport connection.
type TransportConfig struct {
	URL            string        `yaml:"url"`
	TokenEnv       string        `yaml:"token_env"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// LoaderConfig describes the full-state workflow loader.
type LoaderConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// SyncConfig describes the synchronization core.
type SyncConfig struct {
	MountPoint         string              `yaml:"mount_point"`
	EqualSnapshot      string              `yaml:"equal_snapshot"`
	CompositeOverrides bool                `yaml:"composite_overrides"`
	ResyncBreaker      ResyncBreakerConfig `yaml:"resync_breaker"`
}

// ResyncBreakerConfig describes when repeated resync failures stop hitting
// the loader.
type ResyncBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// StartupConfig names a workflow to open when the daemon starts.
type StartupConfig struct {
	ProjectID  string `yaml:"project_id"`
	WorkflowID string `yaml:"workflow_id"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8090,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Transport: TransportConfig{
			TokenEnv:       "WFSYNC_TOKEN",
			DialTimeout:    10 * time.Second,
			RequestTimeout: 10 * time.Second,
			WriteTimeout:   5 * time.Second,
			ReconnectDelay: 2 * time.Second,
		},
		Loader: LoaderConfig{
			Timeout: 30 * time.Second,
		},
		Sync: SyncConfig{
			MountPoint:    "/activeWorkflow",
			EqualSnapshot: EqualSnapshotResync,
			ResyncBreaker: ResyncBreakerConfig{
				FailureThreshold: 3,
				Cooldown:         30 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Transport.URL == "" {
		errs = append(errs, "transport.url is required")
	} else if !strings.HasPrefix(c.Transport.URL, "ws://") && !strings.HasPrefix(c.Transport.URL, "wss://") {
		errs = append(errs, "transport.url must use ws:// or wss://")
	}
	if c.Loader.BaseURL == "" {
		errs = append(errs, "loader.base_url is required")
	}
	if c.Sync.MountPoint == "" || c.Sync.MountPoint[0] != '/' {
		errs = append(errs, "sync.mount_point must be a pointer starting with /")
	}
	switch c.Sync.EqualSnapshot {
	case EqualSnapshotResync, EqualSnapshotIgnore:
	default:
		errs = append(errs, fmt.Sprintf("sync.equal_snapshot must be %q or %q", EqualSnapshotResync, EqualSnapshotIgnore))
	}
	if (c.Startup.ProjectID == "") != (c.Startup.WorkflowID == "") {
		errs = append(errs, "startup.project_id and startup.workflow_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads WFSYNC_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WFSYNC_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("WFSYNC_TRANSPORT_URL"); v != "" {
		cfg.Transport.URL = v
	}
	if v := os.Getenv("WFSYNC_LOADER_BASE_URL"); v != "" {
		cfg.Loader.BaseURL = v
	}
	if v := os.Getenv("WFSYNC_SYNC_EQUAL_SNAPSHOT"); v != "" {
		cfg.Sync.EqualSnapshot = v
	}
	if v := os.Getenv("WFSYNC_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("WFSYNC_STARTUP_PROJECT_ID"); v != "" {
		cfg.Startup.ProjectID = v
	}
	if v := os.Getenv("WFSYNC_STARTUP_WORKFLOW_ID"); v != "" {
		cfg.Startup.WorkflowID = v
	}
}
