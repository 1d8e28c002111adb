package service

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/explainlab/relprop/pkg/domain"
	"github.com/explainlab/relprop/pkg/logging"
)

// Config holds the attribution service configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g. ":8098").
	ListenAddr string `yaml:"listen_addr"`

	// ModelPath points at the network manifest served by this instance.
	ModelPath string `yaml:"model_path"`

	// WatchModel reloads the manifest when the file changes on disk.
	WatchModel bool `yaml:"watch_model"`

	// Epsilon overrides the engine's stabilizer when positive.
	Epsilon float64 `yaml:"epsilon"`

	// ZeroBias makes weight-rewriting rules drop bias terms.
	ZeroBias bool `yaml:"zero_bias"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxBodyBytes caps attribution request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	Logging logging.Config `yaml:"logging"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Tracing TracingConfig  `yaml:"tracing"`
}

// MetricsConfig controls the Prometheus surface.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig controls OTLP trace export.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Environment string `yaml:"environment"`
	Insecure    bool   `yaml:"insecure"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":8098",
		WatchModel:      true,
		ShutdownTimeout: 10 * time.Second,
		MaxBodyBytes:    8 << 20,
		Logging:         logging.Config{Level: "info", Format: "json"},
		Metrics:         MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// LoadConfig reads a YAML config file over the defaults. Validation is
// left to the server so command-line overrides can fill gaps first.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", domain.ErrConfigInvalid, err)
	}
	return cfg, nil
}

// Validate checks the fields a running service cannot default its way out of.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr is required", domain.ErrConfigInvalid)
	}
	if c.ModelPath == "" {
		return fmt.Errorf("%w: model_path is required", domain.ErrConfigInvalid)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("%w: max_body_bytes must be positive", domain.ErrConfigInvalid)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown_timeout must be positive", domain.ErrConfigInvalid)
	}
	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return fmt.Errorf("%w: metrics.path is required when metrics are enabled", domain.ErrConfigInvalid)
	}
	return nil
}
