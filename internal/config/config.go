// Package config provides configuration management for the Xolo server.
// It loads configuration from YAML files and environment variables using
// Viper, with defaults and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete configuration for the Xolo server: HTTP
// server settings, the on-disk title store, the Patch Catalog and Fleet
// Management connections, the Redis session store, lock TTLs, background
// worker cadences, and observability options.
//
// Configuration can be loaded from:
//   - YAML file (config/config.yaml)
//   - Environment variables (prefixed with XOLO_)
//
// Example:
//
//	cfg, err := config.Load("config/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Store         StoreConfig         `mapstructure:"store"`
	Catalog       CatalogConfig       `mapstructure:"catalog"`
	Fleet         FleetConfig         `mapstructure:"fleet"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Auth          AuthConfig          `mapstructure:"auth"`
	ClientData    ClientDataConfig    `mapstructure:"client_data"`
	Locks         LocksConfig         `mapstructure:"locks"`
	Maintenance   MaintenanceConfig   `mapstructure:"maintenance"`
	Workers       WorkersConfig       `mapstructure:"workers"`
	Observability ObservabilityConfig `mapstructure:"observability"`

	// DeveloperMode disables client data uploads and loosens loopback
	// checks for local development.
	DeveloperMode bool `mapstructure:"developer_mode"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the network interface to bind to (e.g. "0.0.0.0").
	Host string `mapstructure:"host"`

	// Port is the HTTP server port.
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout bounds response writes. Progress streaming holds
	// connections open, so this must comfortably exceed the longest
	// workflow.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the keep-alive idle limit.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MaxUploadBytes caps package and icon upload sizes.
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string `mapstructure:"gin_mode"`

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set. A
	// self-signed certificate is fine; the cleanup scheduler's loopback
	// calls accept it.
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`
}

// StoreConfig contains the on-disk title store configuration.
type StoreConfig struct {
	// Root is the data directory holding titles/, changelog backups, and
	// progress files.
	Root string `mapstructure:"root"`

	// ProgressDir is where progress files are written. Defaults to
	// <root>/progress.
	ProgressDir string `mapstructure:"progress_dir"`

	// ChangelogBackupDir overrides the default <root>/changelog-backups.
	ChangelogBackupDir string `mapstructure:"changelog_backup_dir"`
}

// CatalogConfig contains the Patch Catalog connection settings.
type CatalogConfig struct {
	// BaseURL is the catalog API root.
	BaseURL string `mapstructure:"base_url"`

	// Token is the bearer token for catalog requests.
	Token string `mapstructure:"token"`

	// Timeout bounds each catalog request.
	Timeout time.Duration `mapstructure:"timeout"`
}

// FleetConfig contains the Fleet Management connection settings.
type FleetConfig struct {
	// BaseURL is the fleet API root.
	BaseURL string `mapstructure:"base_url"`

	// Username and Password authenticate the service account.
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// Timeout bounds each fleet request.
	Timeout time.Duration `mapstructure:"timeout"`
}

// RedisConfig contains Redis session-store configuration.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password for Redis authentication (optional).
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db"`

	// PoolSize is the maximum number of socket connections.
	PoolSize int `mapstructure:"pool_size"`

	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// ReadTimeout is the timeout for socket reads.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the timeout for socket writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AuthConfig contains admin authentication settings.
type AuthConfig struct {
	// AdminGroup is the fleet group whose members may call admin routes.
	AdminGroup string `mapstructure:"admin_group"`

	// ServerAdminGroup is the fleet group whose members may call
	// server-administration routes (cleanup, log level, client data).
	ServerAdminGroup string `mapstructure:"server_admin_group"`

	// SessionTTL is the lifetime of a login session token.
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

// LocksConfig contains entity-lock settings.
type LocksConfig struct {
	// TTL is how long a held lock survives before expiring.
	TTL time.Duration `mapstructure:"ttl"`
}

// MaintenanceConfig contains cleanup scheduling settings.
type MaintenanceConfig struct {
	// CleanupHour is the local hour (0-23) at which daily cleanup runs.
	CleanupHour int `mapstructure:"cleanup_hour"`

	// DeprecatedLifetimeDays is how long deprecated versions are kept before
	// cleanup deletes them. Zero or negative disables the deletion.
	DeprecatedLifetimeDays int `mapstructure:"deprecated_lifetime_days"`

	// KeepSkippedVersions stops cleanup from deleting skipped versions.
	KeepSkippedVersions bool `mapstructure:"keep_skipped_versions"`

	// StalePilotDays is how long a version may sit in pilot before the
	// monthly report flags it.
	StalePilotDays int `mapstructure:"stale_pilot_days"`
}

// ClientDataConfig contains client-data artifact settings.
type ClientDataConfig struct {
	// Dir is where the client-data JSON artifact is written.
	Dir string `mapstructure:"dir"`

	// UploadTool is the external tool invoked to package and upload the
	// artifact. Empty disables the upload step.
	UploadTool string `mapstructure:"upload_tool"`

	// PolicyID is the fleet client-data deployment policy whose run logs are
	// flushed after every rebuild, so clients pick the artifact up at next
	// check-in.
	PolicyID string `mapstructure:"policy_id"`
}

// WorkersConfig contains background worker cadences.
type WorkersConfig struct {
	// PatchPollInterval is how often the patch-visibility watcher polls.
	PatchPollInterval time.Duration `mapstructure:"patch_poll_interval"`

	// PatchPollTimeout bounds how long a patch-visibility watcher waits.
	PatchPollTimeout time.Duration `mapstructure:"patch_poll_timeout"`

	// EAPollInterval is how often the EA-acceptance watcher polls.
	EAPollInterval time.Duration `mapstructure:"ea_poll_interval"`

	// EAPollTimeout bounds how long an EA-acceptance watcher waits.
	EAPollTimeout time.Duration `mapstructure:"ea_poll_timeout"`

	// DeletePoolSize caps the queued package deletions.
	DeletePoolSize int `mapstructure:"delete_pool_size"`

	// DeleteDrainBudget bounds one drain pass at shutdown or cleanup.
	DeleteDrainBudget time.Duration `mapstructure:"delete_drain_budget"`
}

// ObservabilityConfig contains logging and metrics configuration.
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig contains structured logging configuration.
type LoggingConfig struct {
	// Level sets the log level ("debug", "info", "warn", "error", "fatal").
	Level string `mapstructure:"level"`

	// Format sets the log format ("json", "console").
	Format string `mapstructure:"format"`

	// OutputPaths is a list of output destinations.
	OutputPaths []string `mapstructure:"output_paths"`

	// ErrorOutputPaths is a list of error output destinations.
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`

	// EnableCaller adds caller information to log entries.
	EnableCaller bool `mapstructure:"enable_caller"`

	// Development enables development mode (console format, verbose).
	Development bool `mapstructure:"development"`
}

// MetricsConfig contains Prometheus metrics configuration.
type MetricsConfig struct {
	// Enabled enables Prometheus metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the HTTP path for the metrics endpoint.
	Path string `mapstructure:"path"`

	// Namespace is the Prometheus metrics namespace.
	Namespace string `mapstructure:"namespace"`
}

// Load loads configuration from the specified file path and environment
// variables. Environment variables override file values and are prefixed
// with XOLO_ (e.g. XOLO_SERVER_PORT=8443).
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/xolo")
	}

	v.SetEnvPrefix("XOLO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional if all values come from env vars.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8443)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30m")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_upload_bytes", 2<<30) // 2GB
	v.SetDefault("server.gin_mode", "release")
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")

	// Store defaults
	v.SetDefault("store.root", "/var/lib/xolo")
	v.SetDefault("store.progress_dir", "")
	v.SetDefault("store.changelog_backup_dir", "")

	// Catalog defaults
	v.SetDefault("catalog.timeout", "30s")

	// Fleet defaults
	v.SetDefault("fleet.timeout", "30s")

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	// Auth defaults
	v.SetDefault("auth.admin_group", "xolo-admins")
	v.SetDefault("auth.server_admin_group", "xolo-server-admins")
	v.SetDefault("auth.session_ttl", "8h")

	// Client data defaults
	v.SetDefault("client_data.dir", "")
	v.SetDefault("client_data.upload_tool", "")
	v.SetDefault("client_data.policy_id", "")

	// Locks defaults
	v.SetDefault("locks.ttl", "60m")

	// Maintenance defaults
	v.SetDefault("maintenance.cleanup_hour", 2)
	v.SetDefault("maintenance.deprecated_lifetime_days", 30)
	v.SetDefault("maintenance.keep_skipped_versions", false)
	v.SetDefault("maintenance.stale_pilot_days", 180)

	// Workers defaults
	v.SetDefault("workers.patch_poll_interval", "15s")
	v.SetDefault("workers.patch_poll_timeout", "60m")
	v.SetDefault("workers.ea_poll_interval", "30s")
	v.SetDefault("workers.ea_poll_timeout", "60m")
	v.SetDefault("workers.delete_pool_size", 200)
	v.SetDefault("workers.delete_drain_budget", "45s")

	// Logging defaults
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.logging.output_paths", []string{"stdout"})
	v.SetDefault("observability.logging.error_output_paths", []string{"stderr"})
	v.SetDefault("observability.logging.enable_caller", true)
	v.SetDefault("observability.logging.development", false)

	// Metrics defaults
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.path", "/metrics")
	v.SetDefault("observability.metrics.namespace", "xolo")

	v.SetDefault("developer_mode", false)
}

// Validate validates the configuration and returns an error if any values
// are invalid. Call after Load().
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}

	if err := c.validateStore(); err != nil {
		return err
	}

	if err := c.validateBackends(); err != nil {
		return err
	}

	if err := c.validateRedis(); err != nil {
		return err
	}

	if err := c.validateMaintenance(); err != nil {
		return err
	}

	if err := c.validateWorkers(); err != nil {
		return err
	}

	if err := c.validateObservability(); err != nil {
		return err
	}

	return nil
}

// validateServer validates the server configuration.
func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}

	if c.Server.GinMode != "debug" && c.Server.GinMode != "release" && c.Server.GinMode != "test" {
		return fmt.Errorf("invalid gin_mode: %s (must be debug, release, or test)", c.Server.GinMode)
	}

	if c.Server.MaxUploadBytes < 1 {
		return fmt.Errorf("invalid max_upload_bytes: %d (must be > 0)", c.Server.MaxUploadBytes)
	}

	return nil
}

// validateStore validates the store configuration.
func (c *Config) validateStore() error {
	if c.Store.Root == "" {
		return fmt.Errorf("store root cannot be empty")
	}

	return nil
}

// validateBackends validates the catalog and fleet connection settings.
func (c *Config) validateBackends() error {
	if c.Catalog.BaseURL == "" {
		return fmt.Errorf("catalog base_url cannot be empty")
	}

	if c.Fleet.BaseURL == "" {
		return fmt.Errorf("fleet base_url cannot be empty")
	}

	if c.Fleet.Username == "" || c.Fleet.Password == "" {
		return fmt.Errorf("fleet username and password are required")
	}

	return nil
}

// validateRedis validates the Redis configuration.
func (c *Config) validateRedis() error {
	if c.Redis.Address == "" {
		return fmt.Errorf("redis address cannot be empty")
	}

	if c.Redis.DB < 0 || c.Redis.DB > 15 {
		return fmt.Errorf("invalid redis db: %d (must be 0-15)", c.Redis.DB)
	}

	return nil
}

// validateMaintenance validates the maintenance configuration.
func (c *Config) validateMaintenance() error {
	if c.Maintenance.CleanupHour < 0 || c.Maintenance.CleanupHour > 23 {
		return fmt.Errorf("invalid cleanup_hour: %d (must be 0-23)", c.Maintenance.CleanupHour)
	}

	if c.Maintenance.StalePilotDays < 1 {
		return fmt.Errorf("invalid stale_pilot_days: %d (must be > 0)", c.Maintenance.StalePilotDays)
	}

	return nil
}

// validateWorkers validates the worker configuration.
func (c *Config) validateWorkers() error {
	if c.Workers.PatchPollInterval < time.Second {
		return fmt.Errorf("invalid patch_poll_interval: %s (must be >= 1s)", c.Workers.PatchPollInterval)
	}

	if c.Workers.EAPollInterval < time.Second {
		return fmt.Errorf("invalid ea_poll_interval: %s (must be >= 1s)", c.Workers.EAPollInterval)
	}

	if c.Workers.DeletePoolSize < 1 {
		return fmt.Errorf("invalid delete_pool_size: %d (must be > 0)", c.Workers.DeletePoolSize)
	}

	return nil
}

// validateObservability validates the observability configuration.
func (c *Config) validateObservability() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLevels[c.Observability.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", c.Observability.Logging.Level)
	}

	if c.Observability.Logging.Format != "json" && c.Observability.Logging.Format != "console" {
		return fmt.Errorf("invalid logging format: %s (must be json or console)", c.Observability.Logging.Format)
	}

	if c.Observability.Metrics.Enabled && c.Observability.Metrics.Path == "" {
		return fmt.Errorf("metrics path cannot be empty when metrics are enabled")
	}

	return nil
}
