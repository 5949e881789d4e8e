package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns a configuration that passes Validate, for tests to
// break one field at a time.
func validConfig() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(err)
	}
	cfg.Catalog.BaseURL = "https://catalog.example.com/api"
	cfg.Fleet.BaseURL = "https://fleet.example.com/api"
	cfg.Fleet.Username = "svc-xolo"
	cfg.Fleet.Password = "hunter2"
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8443, cfg.Server.Port)
	assert.Equal(t, "release", cfg.Server.GinMode)
	assert.Equal(t, 30*time.Minute, cfg.Server.WriteTimeout)
	assert.Equal(t, "/var/lib/xolo", cfg.Store.Root)
	assert.Equal(t, 60*time.Minute, cfg.Locks.TTL)
	assert.Equal(t, 2, cfg.Maintenance.CleanupHour)
	assert.Equal(t, 30, cfg.Maintenance.DeprecatedLifetimeDays)
	assert.Equal(t, 180, cfg.Maintenance.StalePilotDays)
	assert.Equal(t, 15*time.Second, cfg.Workers.PatchPollInterval)
	assert.Equal(t, 30*time.Second, cfg.Workers.EAPollInterval)
	assert.Equal(t, "xolo-admins", cfg.Auth.AdminGroup)
	assert.Equal(t, "info", cfg.Observability.Logging.Level)
	assert.True(t, cfg.Observability.Metrics.Enabled)
	assert.False(t, cfg.DeveloperMode)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9000
  gin_mode: test
store:
  root: /tmp/xolo-test
catalog:
  base_url: https://catalog.test/api
fleet:
  base_url: https://fleet.test/api
  username: admin
  password: secret
maintenance:
  cleanup_hour: 22
developer_mode: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/tmp/xolo-test", cfg.Store.Root)
	assert.Equal(t, "https://catalog.test/api", cfg.Catalog.BaseURL)
	assert.Equal(t, 22, cfg.Maintenance.CleanupHour)
	assert.True(t, cfg.DeveloperMode)
	// Untouched values keep their defaults.
	assert.Equal(t, 60*time.Minute, cfg.Locks.TTL)
	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("XOLO_SERVER_PORT", "10443")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 10443, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "invalid server port",
		},
		{
			name:    "invalid gin mode",
			mutate:  func(c *Config) { c.Server.GinMode = "verbose" },
			wantErr: "invalid gin_mode",
		},
		{
			name:    "empty store root",
			mutate:  func(c *Config) { c.Store.Root = "" },
			wantErr: "store root",
		},
		{
			name:    "missing catalog url",
			mutate:  func(c *Config) { c.Catalog.BaseURL = "" },
			wantErr: "catalog base_url",
		},
		{
			name:    "missing fleet credentials",
			mutate:  func(c *Config) { c.Fleet.Password = "" },
			wantErr: "fleet username and password",
		},
		{
			name:    "invalid redis db",
			mutate:  func(c *Config) { c.Redis.DB = 42 },
			wantErr: "invalid redis db",
		},
		{
			name:    "cleanup hour out of range",
			mutate:  func(c *Config) { c.Maintenance.CleanupHour = 24 },
			wantErr: "invalid cleanup_hour",
		},
		{
			name:    "patch poll too fast",
			mutate:  func(c *Config) { c.Workers.PatchPollInterval = 100 * time.Millisecond },
			wantErr: "invalid patch_poll_interval",
		},
		{
			name:    "zero delete pool",
			mutate:  func(c *Config) { c.Workers.DeletePoolSize = 0 },
			wantErr: "invalid delete_pool_size",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Observability.Logging.Level = "trace" },
			wantErr: "invalid logging level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Observability.Logging.Format = "xml" },
			wantErr: "invalid logging format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
