package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portgate/internal/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 50, cfg.Engine.Concurrency)
	assert.Equal(t, 500, cfg.Engine.MaxConcurrency)
	assert.Equal(t, time.Second, cfg.Engine.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.MinTimeout)

	assert.Equal(t, 10, cfg.RateLimit.ClientLimit)
	assert.Equal(t, 50, cfg.RateLimit.TargetLimit)
	assert.Equal(t, 1000, cfg.RateLimit.MaxPorts)
	assert.Equal(t, 100, cfg.RateLimit.WarnPorts)
	assert.Equal(t, 1000, cfg.RateLimit.MaxConcurrentScans)
	assert.Equal(t, []time.Duration{0, 5 * time.Minute, time.Hour, 24 * time.Hour}, cfg.RateLimit.Cooldowns)

	assert.Equal(t, 6*time.Hour, cfg.Cache.PrivateTTL)
	assert.Equal(t, time.Hour, cfg.Cache.PublicTTL)
	assert.Equal(t, 1024, cfg.Cache.CompressThreshold)

	assert.Equal(t, 3, cfg.Tasks.MaxAttempts)
	assert.False(t, cfg.DatabaseConfigured())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portgate.yaml")
	content := `
engine:
  scan_type: syn
  timeout: 2s
  concurrency: 20
rate_limit:
  client_limit: 5
  cooldowns: [0s, 1m]
store:
  backend: redis
  addr: redis:6379
database:
  database: portgate
  username: scanner
logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "syn", cfg.Engine.ScanType)
	assert.Equal(t, 2*time.Second, cfg.Engine.Timeout)
	assert.Equal(t, 20, cfg.Engine.Concurrency)
	assert.Equal(t, 500, cfg.Engine.MaxConcurrency, "untouched fields keep defaults")
	assert.Equal(t, 5, cfg.RateLimit.ClientLimit)
	assert.Equal(t, []time.Duration{0, time.Minute}, cfg.RateLimit.Cooldowns)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "redis:6379", cfg.Store.Addr)
	assert.True(t, cfg.DatabaseConfigured())
	assert.EqualValues(t, "json", cfg.Logging.Format)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [unclosed"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown scan type",
			mutate:  func(c *Config) { c.Engine.ScanType = "ack" },
			wantErr: "ScanType",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Engine.Concurrency = 0 },
			wantErr: "Concurrency",
		},
		{
			name:    "min timeout above timeout",
			mutate:  func(c *Config) { c.Engine.MinTimeout = 2 * time.Second },
			wantErr: "min_timeout",
		},
		{
			name:    "concurrency above max",
			mutate:  func(c *Config) { c.Engine.Concurrency = 600 },
			wantErr: "max_concurrency",
		},
		{
			name:    "trusted proxy is not a network",
			mutate:  func(c *Config) { c.API.TrustedProxies = []string{"10.0.0.1"} },
			wantErr: "TrustedProxies",
		},
		{
			name:    "warn threshold above max ports",
			mutate:  func(c *Config) { c.RateLimit.WarnPorts = 2000 },
			wantErr: "WarnPorts",
		},
		{
			name:    "empty cooldown schedule",
			mutate:  func(c *Config) { c.RateLimit.Cooldowns = nil },
			wantErr: "Cooldowns",
		},
		{
			name:    "redis without address",
			mutate:  func(c *Config) { c.Store.Backend = "redis"; c.Store.Addr = "" },
			wantErr: "Addr",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Store.Backend = "etcd" },
			wantErr: "Backend",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "trace" },
			wantErr: "Level",
		},
		{
			name:    "api enabled without address",
			mutate:  func(c *Config) { c.API.Enabled = true; c.API.ListenAddr = "" },
			wantErr: "listen address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, errors.IsCode(err, errors.CodeValidation))
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "portgate.yaml")

	cfg := Default()
	cfg.Engine.PacketsPerSecond = 300
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 300, loaded.Engine.PacketsPerSecond)
	assert.Equal(t, cfg.RateLimit.Cooldowns, loaded.RateLimit.Cooldowns)
}

func TestGetAPIAddress(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1:8080", cfg.GetAPIAddress())
}
