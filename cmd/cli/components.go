package cli

import (
	"fmt"

	"github.com/anstrom/portgate/internal/adaptive"
	"github.com/anstrom/portgate/internal/cache"
	"github.com/anstrom/portgate/internal/config"
	"github.com/anstrom/portgate/internal/logging"
	"github.com/anstrom/portgate/internal/metrics"
	"github.com/anstrom/portgate/internal/probe"
	"github.com/anstrom/portgate/internal/ratelimit"
	"github.com/anstrom/portgate/internal/rawsock"
	"github.com/anstrom/portgate/internal/scanning"
	"github.com/anstrom/portgate/internal/store"
	"github.com/anstrom/portgate/internal/tasks"
)

// components holds the scan engine and the services it runs on.
type components struct {
	store        store.Store
	gate         *ratelimit.Gate
	cache        *cache.ResultCache
	raw          *rawsock.Socket
	orchestrator *scanning.Orchestrator
	logger       *logging.Logger
}

// buildComponents wires store, rate gate, cache and orchestrator from cfg.
// A raw socket is opened when openRaw is set; failing to open it only
// disables the raw scan types.
func buildComponents(cfg *config.Config, logger *logging.Logger, rec metrics.Recorder, openRaw bool) (*components, error) {
	kv, err := store.Open(cfg.Store.Backend, store.RedisConfig{
		Addr:        cfg.Store.Addr,
		Password:    cfg.Store.Password,
		DB:          cfg.Store.DB,
		DialTimeout: cfg.Store.DialTimeout,
	}, cfg.Store.Fallback, logger, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	c := &components{store: kv, logger: logger}

	opts := []scanning.Option{
		scanning.WithLogger(logger),
		scanning.WithMetrics(rec),
		scanning.WithDefaults(scanDefaults(cfg)),
		scanning.WithAdaptiveConfig(adaptiveConfig(cfg)),
	}

	if cfg.RateLimit.Enabled {
		c.gate = ratelimit.New(kv, rateLimitConfig(cfg), ratelimit.WithLogger(logger), ratelimit.WithMetrics(rec))
		opts = append(opts, scanning.WithRateGate(c.gate))
	}

	if cfg.Cache.Enabled {
		c.cache, err = cache.New(kv, cacheConfig(cfg), cache.WithLogger(logger), cache.WithMetrics(rec))
		if err != nil {
			_ = kv.Close()
			return nil, fmt.Errorf("failed to create result cache: %w", err)
		}
		opts = append(opts, scanning.WithCache(c.cache))
	}

	engineOpts := []probe.Option{
		probe.WithLogger(logger),
		probe.WithPacketRate(float64(cfg.Engine.PacketsPerSecond), cfg.Engine.Concurrency),
	}
	if openRaw {
		sock, err := rawsock.Open(logger)
		if err != nil {
			logger.Warn("Raw socket unavailable, SYN/FIN/NULL/XMAS scans disabled", "error", err)
		} else {
			c.raw = sock
			engineOpts = append(engineOpts, probe.WithRawSocket(sock))
		}
	}
	opts = append(opts, scanning.WithEngineOptions(engineOpts...))

	c.orchestrator = scanning.New(opts...)
	return c, nil
}

// Close releases the raw socket, the tracker and the store.
func (c *components) Close() error {
	_ = c.orchestrator.Tracker().Close()
	if c.raw != nil {
		if err := c.raw.Close(); err != nil {
			c.logger.Warn("Failed to close raw socket", "error", err)
		}
	}
	return c.store.Close()
}

// scanDefaults converts the engine section into per-scan defaults. An
// unknown scan type was already rejected by config validation.
func scanDefaults(cfg *config.Config) scanning.ScanConfig {
	sc := scanning.DefaultScanConfig()
	if t, err := probe.ParseScanType(cfg.Engine.ScanType); err == nil {
		sc.ScanType = t
	}
	sc.Timeout = cfg.Engine.Timeout
	sc.ScanTimeout = cfg.Engine.ScanTimeout
	sc.MaxConcurrent = cfg.Engine.MaxConcurrency
	sc.ServiceDetection = cfg.Engine.ServiceDetection
	sc.ServiceTimeout = cfg.Engine.ServiceTimeout
	sc.BannerGrabbing = cfg.Engine.BannerGrabbing
	sc.AdaptiveScanning = cfg.Engine.AdaptiveScanning
	sc.OSDetection = cfg.Engine.OSDetection
	return sc
}

func adaptiveConfig(cfg *config.Config) adaptive.Config {
	return adaptive.Config{
		Concurrency:    cfg.Engine.Concurrency,
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		Timeout:        cfg.Engine.Timeout,
		MinTimeout:     cfg.Engine.MinTimeout,
	}
}

func rateLimitConfig(cfg *config.Config) ratelimit.Config {
	rl := cfg.RateLimit
	return ratelimit.Config{
		Enabled:            rl.Enabled,
		ClientLimit:        rl.ClientLimit,
		TargetLimit:        rl.TargetLimit,
		Window:             rl.Window,
		MaxPorts:           rl.MaxPorts,
		WarnPorts:          rl.WarnPorts,
		MaxConcurrentScans: rl.MaxConcurrentScans,
		ConcurrentTTL:      rl.ConcurrentTTL,
		ViolationTTL:       rl.ViolationTTL,
		Cooldowns:          rl.Cooldowns,
	}
}

func cacheConfig(cfg *config.Config) cache.Config {
	return cache.Config{
		PrivateTTL:        cfg.Cache.PrivateTTL,
		PublicTTL:         cfg.Cache.PublicTTL,
		CompressThreshold: cfg.Cache.CompressThreshold,
		InternalNetworks:  cfg.Cache.InternalNetworks,
	}
}

func taskConfig(cfg *config.Config) tasks.Config {
	tc := tasks.DefaultConfig()
	tc.MaxAttempts = cfg.Tasks.MaxAttempts
	tc.RetryDelay = cfg.Tasks.RetryDelay
	return tc
}
