// Package config loads the engine configuration from a YAML file and fills
// in defaults for anything unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "24h" parse naturally.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Remote configures the reference HTTP publish client.
type Remote struct {
	BaseURL string   `yaml:"base_url"`
	Token   string   `yaml:"token"`
	Status  string   `yaml:"status"` // draft | submitted
	Timeout Duration `yaml:"timeout"`
}

// Sync tunes queue draining and retention.
type Sync struct {
	BatchSize       int      `yaml:"batch_size"`
	MaxAttempts     int      `yaml:"max_attempts"`
	Retention       Duration `yaml:"retention"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// Config is the full engine configuration.
type Config struct {
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
	Remote   Remote `yaml:"remote"`
	Sync     Sync   `yaml:"sync"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		DBPath:   "slate.db",
		LogLevel: "info",
		Remote: Remote{
			Status:  "draft",
			Timeout: Duration(15 * time.Second),
		},
		Sync: Sync{
			BatchSize:       50,
			MaxAttempts:     3,
			Retention:       Duration(24 * time.Hour),
			CleanupInterval: Duration(time.Hour),
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path is required")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("config: sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("config: sync.max_attempts must be positive, got %d", c.Sync.MaxAttempts)
	}
	if c.Sync.Retention.Std() < 0 {
		return fmt.Errorf("config: sync.retention must not be negative")
	}
	switch c.Remote.Status {
	case "draft", "submitted":
	default:
		return fmt.Errorf("config: remote.status must be draft or submitted, got %q", c.Remote.Status)
	}
	return nil
}
