// Package config holds the effective run configuration assembled from flags,
// an optional YAML file and the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
)

// Environment variables carrying credentials for protected applications.
const (
	EnvUser = "SHINYCANNON_USER"
	EnvPass = "SHINYCANNON_PASS"
)

// Config is the full run configuration. JSON tags shape the snapshot written
// to args.json and the CSV header comments; YAML tags shape the optional
// --config file.
type Config struct {
	RecordingPath         string  `json:"recording_path" yaml:"recording_path"`
	AppURL                string  `json:"app_url" yaml:"app_url"`
	Workers               int     `json:"workers" yaml:"workers"`
	LoadedDurationMinutes float64 `json:"loaded_duration_minutes" yaml:"loaded_duration_minutes"`
	OutputDir             string  `json:"output_dir" yaml:"output_dir"`
	OverwriteOutput       bool    `json:"overwrite_output" yaml:"overwrite_output"`
	StartIntervalMs       int     `json:"start_interval_ms" yaml:"start_interval_ms"`
	LogLevel              string  `json:"log_level" yaml:"log_level"`
	DebugLog              bool    `json:"debug_log" yaml:"debug_log"`

	// Credentials come from the environment, never from the file, and the
	// password never reaches a snapshot.
	User string `json:"user,omitempty" yaml:"-"`
	Pass string `json:"-" yaml:"-"`
}

// Default returns the configuration before flags are applied.
func Default() *Config {
	return &Config{
		Workers:  1,
		LogLevel: "warn",
	}
}

// LoadFile merges values from a YAML config file into c. Only keys present
// in the file are touched, so flag values given explicitly can be reapplied
// on top by the caller.
func LoadFile(path string, c *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Validate checks the configuration before any session starts.
func (c *Config) Validate() error {
	if c.RecordingPath == "" {
		return fmt.Errorf("%w: recording path is required", ErrInvalidConfig)
	}
	if c.AppURL == "" {
		return fmt.Errorf("%w: app URL is required", ErrInvalidConfig)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1", ErrInvalidConfig)
	}
	if c.LoadedDurationMinutes < 0 {
		return fmt.Errorf("%w: loaded duration must not be negative", ErrInvalidConfig)
	}
	if c.StartIntervalMs < 0 {
		return fmt.Errorf("%w: start interval must not be negative", ErrInvalidConfig)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.LogLevel)
	}
	if (c.User == "") != (c.Pass == "") {
		return fmt.Errorf("%w: %s and %s must be set together", ErrInvalidConfig, EnvUser, EnvPass)
	}
	return nil
}

// HasCredentials reports whether login should be attempted against
// protected applications.
func (c *Config) HasCredentials() bool {
	return c.User != "" && c.Pass != ""
}

// SnapshotJSON renders the configuration for output headers. The password
// field is excluded from JSON, so it never appears in the snapshot.
func (c *Config) SnapshotJSON() (string, error) {
	masked := *c
	if masked.Pass != "" {
		masked.Pass = "*****"
	}
	data, err := json.Marshal(masked)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config snapshot: %w", err)
	}
	return string(data), nil
}

// CredentialsFromEnv reads SHINYCANNON_USER and SHINYCANNON_PASS.
func CredentialsFromEnv() (user, pass string) {
	return os.Getenv(EnvUser), os.Getenv(EnvPass)
}
