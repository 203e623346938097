package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the configuration of a reshard process.
type ServerConfig struct {
	Repository RepositoryConfig `yaml:"repository"`
	Scaling    ScalingConfig    `yaml:"scaling"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// RepositoryConfig selects where job configurations and progress live.
type RepositoryConfig struct {
	Type  string `yaml:"type"` // memory, sqlite, mysql
	Path  string `yaml:"path,omitempty"`
	DSN   string `yaml:"dsn,omitempty"`
	Table string `yaml:"table,omitempty"`
}

// ScalingConfig tunes the background loops.
type ScalingConfig struct {
	PersistInterval       time.Duration `yaml:"persist_interval"`
	FinishedCheckInterval time.Duration `yaml:"finished_check_interval"`
	StatusInterval        time.Duration `yaml:"status_interval"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Address string `yaml:"address,omitempty"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// LoadServerConfig loads configuration from a YAML file
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var config ServerConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// Validate checks the configuration and sets defaults.
func (c *ServerConfig) Validate() error {
	switch c.Repository.Type {
	case "":
		c.Repository.Type = "memory"
	case "memory":
	case "sqlite":
		if c.Repository.Path == "" {
			return fmt.Errorf("repository.path is required for sqlite repository")
		}
	case "mysql":
		if c.Repository.DSN == "" {
			return fmt.Errorf("repository.dsn is required for mysql repository")
		}
	default:
		return fmt.Errorf("unsupported repository type: %s", c.Repository.Type)
	}
	if c.Repository.Table == "" {
		c.Repository.Table = "_reshard_repository"
	}

	if c.Scaling.PersistInterval == 0 {
		c.Scaling.PersistInterval = time.Second
	}
	if c.Scaling.FinishedCheckInterval == 0 {
		c.Scaling.FinishedCheckInterval = time.Minute
	}
	if c.Scaling.StatusInterval == 0 {
		c.Scaling.StatusInterval = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported logging format: %s", c.Logging.Format)
	}
	return nil
}
