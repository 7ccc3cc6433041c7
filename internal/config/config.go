// Package config loads the service configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hvollmer/accesstrack/internal/storage"
)

// HTTPServerConfig holds HTTP server settings.
type HTTPServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	APIKey          string        `mapstructure:"api_key"`
}

// CollectorConfig holds ingestion settings.
type CollectorConfig struct {
	LogDirectory  string        `mapstructure:"log_directory"`
	StateFile     string        `mapstructure:"state_file"`
	Interval      time.Duration `mapstructure:"interval"`
	GeoIPDatabase string        `mapstructure:"geoip_database"`
}

// Config is the complete service configuration.
type Config struct {
	Server    HTTPServerConfig `mapstructure:"server"`
	Database  storage.Config   `mapstructure:"database"`
	Collector CollectorConfig  `mapstructure:"collector"`
	LogLevel  string           `mapstructure:"log_level"`
	LogFormat string           `mapstructure:"log_format"`
}

// Load reads the configuration file, applying defaults and environment
// variable overrides (e.g. ACCESSTRACK_SERVER_API_KEY).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("accesstrack")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("server.listen_address", "0.0.0.0:8000")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "accesstrack")
	v.SetDefault("database.dbname", "accesstrack")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("collector.state_file", "/var/lib/accesstrack/log_state.json")
	v.SetDefault("collector.interval", "10m")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate required fields
	if config.Collector.LogDirectory == "" {
		return nil, fmt.Errorf("collector.log_directory is required")
	}
	if config.Server.APIKey == "" {
		return nil, fmt.Errorf("server.api_key is required")
	}
	if config.Collector.Interval <= 0 {
		return nil, fmt.Errorf("collector.interval must be positive")
	}

	return &config, nil
}
