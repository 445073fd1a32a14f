package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "missionctl.db")
	v.SetDefault("database.wal", true)

	// Gateway defaults
	v.SetDefault("gateway.url", "http://localhost:18789")
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.wsPath", "/ws")

	// Monitor defaults
	v.SetDefault("monitor.pollIntervalMs", 10_000)
	v.SetDefault("monitor.idleTimeoutMs", 600_000)
	v.SetDefault("monitor.ackTimeoutMs", 90_000)

	// Orchestrator defaults
	v.SetDefault("orchestrator.pollIntervalMs", 3_000)
	v.SetDefault("orchestrator.timeoutMs", 90_000)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "missionctl-cluster")
	v.SetDefault("nats.clientId", "missionctl-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MISSIONCTL_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/missionctl/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MISSIONCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose naming differs from config keys.
	// MC_FIRST_ACTIVITY_ACK_TIMEOUT_MS predates the viper config layout.
	_ = v.BindEnv("monitor.ackTimeoutMs", "MC_FIRST_ACTIVITY_ACK_TIMEOUT_MS", "MISSIONCTL_MONITOR_ACK_TIMEOUT_MS")
	_ = v.BindEnv("monitor.pollIntervalMs", "MISSIONCTL_MONITOR_POLL_INTERVAL_MS")
	_ = v.BindEnv("monitor.idleTimeoutMs", "MISSIONCTL_MONITOR_IDLE_TIMEOUT_MS")
	_ = v.BindEnv("gateway.url", "MISSIONCTL_GATEWAY_URL")
	_ = v.BindEnv("gateway.token", "MISSIONCTL_GATEWAY_TOKEN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/missionctl/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
