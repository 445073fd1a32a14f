// Package config provides configuration management for Mission Control.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds all configuration sections for Mission Control.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the embedded SQLite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // file path, or :memory: for tests
	WAL  bool   `mapstructure:"wal"`  // write-ahead journaling
}

// GatewayConfig holds the agent chat gateway client configuration.
type GatewayConfig struct {
	URL    string `mapstructure:"url"`    // base URL, e.g. http://localhost:18789
	Token  string `mapstructure:"token"`  // bearer token; optional
	WSPath string `mapstructure:"wsPath"` // websocket path for lifecycle events
}

// MonitorConfig holds agent task monitor timing configuration.
type MonitorConfig struct {
	PollIntervalMs int `mapstructure:"pollIntervalMs"`
	IdleTimeoutMs  int `mapstructure:"idleTimeoutMs"`
	AckTimeoutMs   int `mapstructure:"ackTimeoutMs"` // first-activity ack window
}

// OrchestratorConfig holds orchestrator invocation timing configuration.
type OrchestratorConfig struct {
	PollIntervalMs int `mapstructure:"pollIntervalMs"`
	TimeoutMs      int `mapstructure:"timeoutMs"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollInterval returns the monitor poll interval as a time.Duration.
func (m *MonitorConfig) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalMs) * time.Millisecond
}

// IdleTimeout returns the monitor idle timeout as a time.Duration.
func (m *MonitorConfig) IdleTimeout() time.Duration {
	return time.Duration(m.IdleTimeoutMs) * time.Millisecond
}

// AckTimeout returns the first-activity ack timeout as a time.Duration.
func (m *MonitorConfig) AckTimeout() time.Duration {
	return time.Duration(m.AckTimeoutMs) * time.Millisecond
}

// PollInterval returns the orchestrator poll interval as a time.Duration.
func (o *OrchestratorConfig) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalMs) * time.Millisecond
}

// Timeout returns the orchestrator decision timeout as a time.Duration.
func (o *OrchestratorConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("MISSIONCTL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Monitor.PollIntervalMs <= 0 {
		errs = append(errs, "monitor.pollIntervalMs must be positive")
	}
	if cfg.Monitor.IdleTimeoutMs <= 0 {
		errs = append(errs, "monitor.idleTimeoutMs must be positive")
	}
	if cfg.Monitor.AckTimeoutMs <= 0 {
		errs = append(errs, "monitor.ackTimeoutMs must be positive")
	}

	if cfg.Orchestrator.PollIntervalMs <= 0 {
		errs = append(errs, "orchestrator.pollIntervalMs must be positive")
	}
	if cfg.Orchestrator.TimeoutMs <= 0 {
		errs = append(errs, "orchestrator.timeoutMs must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
