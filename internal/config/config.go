package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for the morango server and sync client
type Config struct {
	// Server configuration
	Listen   string `mapstructure:"listen"`
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`

	// Public URL (used in the instance info advertised to peers)
	PublicURL string `mapstructure:"public_url"`

	// TLS configuration
	EnableTLS bool   `mapstructure:"enable_tls"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`

	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// Sync configuration
	Sync SyncConfig `mapstructure:"sync"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// DatabaseConfig defines where the replication database lives
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres
	// DSN overrides the default data_dir/morango.db connection string
	DSN string `mapstructure:"dsn"`
}

// SyncConfig defines sync engine behavior
type SyncConfig struct {
	// NodeID distinguishes multiple databases on one host
	NodeID string `mapstructure:"node_id"`

	// ChunkSize is the number of buffered records per transfer request
	ChunkSize int `mapstructure:"chunk_size"`

	// SerializeBeforeQueuing folds dirty app records into the store before
	// a producer queues data
	SerializeBeforeQueuing bool `mapstructure:"serialize_before_queuing"`

	// DeserializeAfterDequeuing rehydrates received records into the app as
	// part of the transfer
	DeserializeAfterDequeuing bool `mapstructure:"deserialize_after_dequeuing"`

	// MaxRetries bounds client retries on retriable transport errors
	MaxRetries int `mapstructure:"max_retries"`

	// CleanupExpirationHours is how long an idle session survives sweeps
	CleanupExpirationHours int `mapstructure:"cleanup_expiration_hours"`

	// GzipBufferPost compresses buffer uploads when the peer supports it
	GzipBufferPost bool `mapstructure:"gzip_buffer_post"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// DBPath returns the sqlite database path under the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "morango.db")
}

// DSN returns the effective database connection string.
func (c *Config) DSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	return c.DBPath() + "?_journal_mode=WAL&_busy_timeout=30000"
}

// Load loads configuration from flags, config file and environment
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("MORANGO")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	// NO default for data_dir - must be explicitly configured
	v.SetDefault("log_level", "info")
	v.SetDefault("public_url", "http://localhost:8080")

	v.SetDefault("enable_tls", false)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "")

	v.SetDefault("sync.chunk_size", 500)
	v.SetDefault("sync.serialize_before_queuing", true)
	v.SetDefault("sync.deserialize_after_dequeuing", true)
	v.SetDefault("sync.max_retries", 7)
	v.SetDefault("sync.cleanup_expiration_hours", 6)
	v.SetDefault("sync.gzip_buffer_post", true)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":    "listen",
		"data-dir":  "data_dir",
		"log-level": "log_level",
		"tls-cert":  "cert_file",
		"tls-key":   "key_file",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or MORANGO_DATA_DIR environment variable")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	switch cfg.Database.Driver {
	case "sqlite", "postgres", "pgx":
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	if cfg.Sync.ChunkSize <= 0 {
		return fmt.Errorf("sync.chunk_size must be positive")
	}

	if cfg.EnableTLS {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return fmt.Errorf("TLS enabled but cert-file or key-file not specified")
		}
	}

	return nil
}
