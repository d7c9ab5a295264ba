package cli

import (
	"bytes"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portgate/internal/config"
	"github.com/anstrom/portgate/internal/events"
	"github.com/anstrom/portgate/internal/logging"
	"github.com/anstrom/portgate/internal/metrics"
	"github.com/anstrom/portgate/internal/probe"
	"github.com/anstrom/portgate/internal/scanning"
)

func TestScanDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.ScanType = "udp"
	cfg.Engine.Timeout = 3 * time.Second
	cfg.Engine.MaxConcurrency = 42
	cfg.Engine.BannerGrabbing = false

	sc := scanDefaults(cfg)

	assert.Equal(t, probe.UDPScan, sc.ScanType)
	assert.Equal(t, 3*time.Second, sc.Timeout)
	assert.Equal(t, 42, sc.MaxConcurrent)
	assert.False(t, sc.BannerGrabbing)
	assert.True(t, sc.ServiceDetection)
}

func TestSubsystemConfigs(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.InternalNetworks = []string{"100.64.0.0/10"}

	rl := rateLimitConfig(cfg)
	assert.Equal(t, cfg.RateLimit.ClientLimit, rl.ClientLimit)
	assert.Equal(t, cfg.RateLimit.Cooldowns, rl.Cooldowns)

	cc := cacheConfig(cfg)
	assert.Equal(t, []string{"100.64.0.0/10"}, cc.InternalNetworks)
	assert.Equal(t, cfg.Cache.PrivateTTL, cc.PrivateTTL)

	ac := adaptiveConfig(cfg)
	assert.Equal(t, cfg.Engine.MinTimeout, ac.MinTimeout)
	assert.Equal(t, cfg.Engine.Concurrency, ac.Concurrency)

	tc := taskConfig(cfg)
	assert.Equal(t, cfg.Tasks.MaxAttempts, tc.MaxAttempts)
	assert.Equal(t, cfg.Tasks.RetryDelay, tc.RetryDelay)
}

func TestBuildComponents(t *testing.T) {
	tests := []struct {
		name      string
		rateLimit bool
		cache     bool
	}{
		{"everything enabled", true, true},
		{"no rate limit", false, true},
		{"no cache", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.RateLimit.Enabled = tt.rateLimit
			cfg.Cache.Enabled = tt.cache

			comps, err := buildComponents(cfg, logging.Discard(), metrics.Nop{}, false)
			require.NoError(t, err)
			defer comps.Close()

			assert.NotNil(t, comps.orchestrator)
			assert.Equal(t, tt.rateLimit, comps.gate != nil)
			assert.Equal(t, tt.cache, comps.cache != nil)
			assert.Nil(t, comps.raw)
		})
	}
}

func TestBuildComponents_Errors(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "etcd"
	_, err := buildComponents(cfg, logging.Discard(), metrics.Nop{}, false)
	assert.Error(t, err)

	cfg = config.Default()
	cfg.Cache.InternalNetworks = []string{"not-a-cidr"}
	_, err = buildComponents(cfg, logging.Discard(), metrics.Nop{}, false)
	assert.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	v := viper.New()
	v.Set("store.backend", "redis")
	v.Set("store.addr", "cache:6379")
	v.Set("database.port", 6543)
	v.Set("api.port", 9000)
	v.Set("logging.level", "debug")

	cfg := config.Default()
	applyOverrides(cfg, v)

	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "cache:6379", cfg.Store.Addr)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, 9000, cfg.API.Port)
	assert.Equal(t, logging.LevelDebug, cfg.Logging.Level)
	assert.Equal(t, config.Default().Engine.DefaultPorts, cfg.Engine.DefaultPorts)
}

func TestScanOptions_ScanConfig(t *testing.T) {
	cfg := config.Default()

	t.Run("overrides", func(t *testing.T) {
		o := scanOptions{
			scanType:      "syn",
			timeout:       200 * time.Millisecond,
			maxConcurrent: 7,
			force:         true,
			noService:     true,
			noOS:          true,
		}
		sc, err := o.scanConfig(cfg)
		require.NoError(t, err)
		assert.Equal(t, probe.SYN, sc.ScanType)
		assert.Equal(t, 200*time.Millisecond, sc.Timeout)
		assert.Equal(t, 7, sc.MaxConcurrent)
		assert.True(t, sc.Force)
		assert.False(t, sc.ServiceDetection)
		assert.False(t, sc.OSDetection)
		assert.True(t, sc.BannerGrabbing)
	})

	t.Run("bad scan type", func(t *testing.T) {
		o := scanOptions{scanType: "ack"}
		_, err := o.scanConfig(cfg)
		assert.Error(t, err)
	})

	t.Run("conflicting flags", func(t *testing.T) {
		o := scanOptions{requireReachable: true, force: true}
		_, err := o.scanConfig(cfg)
		assert.Error(t, err)
	})
}

func TestProgressSink_Disabled(t *testing.T) {
	var buf bytes.Buffer
	s := newProgressSink(&buf, false)
	s.Emit(events.OpenPort(22, "ssh"))
	s.finish()
	assert.Empty(t, buf.String())
}

func TestProgressSink_Enabled(t *testing.T) {
	var buf bytes.Buffer
	s := newProgressSink(&buf, true)
	s.Emit(events.GroupStart("critical", 3))
	s.Emit(events.OpenPort(22, "ssh"))
	s.Emit(events.GroupComplete("critical", 1, 25))
	s.finish()
	assert.Contains(t, buf.String(), "22/open ssh")
}

func TestScanCommand_JSON(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	saved := filepath.Join(t.TempDir(), "scan.xml")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"scan", "127.0.0.1", "-p", itoa(port), "--output", "json",
		"--no-service", "--no-os", "--no-progress", "--timeout", "500ms", "--save", saved})
	t.Cleanup(func() {
		scanOpts = scanOptions{output: outputTable}
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())

	var res scanning.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	require.Len(t, res.Ports, 1)
	assert.Equal(t, uint16(port), res.Ports[0].Port)
	assert.Equal(t, probe.StateOpen, res.Ports[0].State)
	assert.Equal(t, "connect", res.ScanType)

	loaded, err := scanning.LoadResults(saved)
	require.NoError(t, err)
	assert.Equal(t, res.ScanID, loaded.ScanID)
}

func TestScanCommand_RejectsOutputFormat(t *testing.T) {
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"scan", "127.0.0.1", "--output", "xml"})
	t.Cleanup(func() {
		scanOpts = scanOptions{output: outputTable}
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid output format")
}

func TestVersionCommand(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2026-01-01")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "portgate 1.2.3")
	assert.Contains(t, out.String(), "abc123")
}

func itoa(n int) string {
	return fmt.Sprint(n)
}

func TestAddScanFlags(t *testing.T) {
	var o scanOptions
	fs := pflag.NewFlagSet("scan", pflag.ContinueOnError)
	addScanFlags(fs, &o)

	require.NoError(t, fs.Parse([]string{"-p", "1-100", "-t", "udp", "--timeout", "2s", "-a", "-o", "json"}))

	assert.Equal(t, "1-100", o.ports)
	assert.Equal(t, "udp", o.scanType)
	assert.Equal(t, 2*time.Second, o.timeout)
	assert.True(t, o.all)
	assert.Equal(t, outputJSON, o.output)
	assert.False(t, o.force)
}
