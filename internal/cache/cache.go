// Package cache stores completed scan results keyed by target and port set.
package cache

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/anstrom/portgate/internal/logging"
	"github.com/anstrom/portgate/internal/metrics"
	"github.com/anstrom/portgate/internal/probe"
	"github.com/anstrom/portgate/internal/store"
)

const keyPrefix = "scan_cache:"

// Outcomes reported to metrics.
const (
	OutcomeHit   = "hit"
	OutcomeMiss  = "miss"
	OutcomeStore = "store"
	OutcomeError = "error"
)

// Config controls expiry and compression.
type Config struct {
	PrivateTTL        time.Duration
	PublicTTL         time.Duration
	CompressThreshold int
	// InternalNetworks extends the built-in private ranges.
	InternalNetworks []string
}

// DefaultConfig keeps internal targets for 6h, public ones for 1h, and
// compresses payloads over 1KB.
func DefaultConfig() Config {
	return Config{
		PrivateTTL:        6 * time.Hour,
		PublicTTL:         time.Hour,
		CompressThreshold: 1024,
	}
}

// Profile records the scan settings that shaped an entry. The key covers
// only target and ports, so an entry is reused only for an equal profile.
type Profile struct {
	ScanType         string `json:"scan_type"`
	ServiceDetection bool   `json:"service_detection"`
}

// envelope is the stored representation.
type envelope struct {
	Compressed bool    `json:"compressed"`
	CachedAt   int64   `json:"cached_at"`
	TTL        int64   `json:"ttl"`
	Target     string  `json:"target"`
	Profile    Profile `json:"profile"`
	Data       []byte  `json:"data"`
}

// Entry is a cache hit.
type Entry struct {
	Target   string
	Profile  Profile
	Results  []probe.PortResult
	CachedAt time.Time
	TTL      time.Duration
}

// Stats are cumulative counters.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Stores int64 `json:"stores"`
	Errors int64 `json:"errors"`
}

// ResultCache reads and writes scan results through a store.Store.
type ResultCache struct {
	store    store.Store
	cfg      Config
	internal *Classifier
	now      func() time.Time
	logger   *logging.Logger
	metrics  metrics.Recorder

	hits, misses, stores, errors atomic.Int64
}

// Option configures a ResultCache.
type Option func(*ResultCache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *ResultCache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *ResultCache) { c.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(c *ResultCache) { c.metrics = r }
}

// New creates a ResultCache. It fails only on malformed InternalNetworks.
func New(s store.Store, cfg Config, opts ...Option) (*ResultCache, error) {
	classifier, err := NewClassifier(cfg.InternalNetworks)
	if err != nil {
		return nil, err
	}
	c := &ResultCache{
		store:    s,
		cfg:      cfg,
		internal: classifier,
		now:      time.Now,
		logger:   logging.Default(),
		metrics:  metrics.Nop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("cache")
	return c, nil
}

// Key derives the cache key. It does not depend on port order or repeats.
func Key(target string, ports []uint16) string {
	sorted := slices.Clone(ports)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	parts := make([]string, len(sorted))
	for i, p := range sorted {
		parts[i] = strconv.Itoa(int(p))
	}
	sum := sha256.Sum256([]byte(target + ":" + strings.Join(parts, ",")))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// DefaultTTL picks the retention for target.
func (c *ResultCache) DefaultTTL(target string) time.Duration {
	if c.internal.IsInternal(target) {
		return c.cfg.PrivateTTL
	}
	return c.cfg.PublicTTL
}

// Check looks key up for a scan with profile want. Any failure, including a
// corrupt payload, an entry older than its own ttl or one written under a
// different profile, is a miss; stale entries are evicted.
func (c *ResultCache) Check(ctx context.Context, key string, want Profile) (*Entry, bool) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.fail("get", key, err)
		return nil, false
	}
	if !ok {
		c.miss()
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.fail("decode", key, err)
		return nil, false
	}

	cachedAt := time.Unix(env.CachedAt, 0)
	ttl := time.Duration(env.TTL) * time.Second
	if c.now().Sub(cachedAt) > ttl {
		if _, err := c.store.Delete(ctx, key); err != nil {
			c.logger.Debug("failed to evict stale entry", "key", key, "error", err)
		}
		c.miss()
		return nil, false
	}
	if env.Profile != want {
		c.logger.Debug("cached entry has another profile", "key", key,
			"cached_scan_type", env.Profile.ScanType, "scan_type", want.ScanType)
		c.miss()
		return nil, false
	}

	data := env.Data
	if env.Compressed {
		data, err = inflate(data)
		if err != nil {
			c.fail("inflate", key, err)
			return nil, false
		}
	}

	var results []probe.PortResult
	if err := json.Unmarshal(data, &results); err != nil {
		c.fail("decode", key, err)
		return nil, false
	}

	c.hits.Add(1)
	c.metrics.CacheOperation(OutcomeHit)
	return &Entry{Target: env.Target, Profile: env.Profile, Results: results, CachedAt: cachedAt, TTL: ttl}, true
}

// Store writes results produced under profile. A zero ttl selects
// DefaultTTL(target).
func (c *ResultCache) Store(ctx context.Context, key, target string, profile Profile, results []probe.PortResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.DefaultTTL(target)
	}

	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}

	env := envelope{
		CachedAt: c.now().Unix(),
		TTL:      int64(ttl / time.Second),
		Target:   target,
		Profile:  profile,
		Data:     data,
	}
	if len(data) > c.cfg.CompressThreshold {
		if env.Data, err = deflate(data); err != nil {
			return fmt.Errorf("compress results: %w", err)
		}
		env.Compressed = true
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := c.store.Set(ctx, key, raw, ttl); err != nil {
		c.fail("set", key, err)
		return fmt.Errorf("store cache entry: %w", err)
	}

	c.stores.Add(1)
	c.metrics.CacheOperation(OutcomeStore)
	c.logger.Debug("cached scan results", "target", target, "ports", len(results),
		"ttl", ttl, "compressed", env.Compressed)
	return nil
}

// Invalidate drops the entry for target and ports.
func (c *ResultCache) Invalidate(ctx context.Context, target string, ports []uint16) error {
	if _, err := c.store.Delete(ctx, Key(target, ports)); err != nil {
		return fmt.Errorf("invalidate cache entry: %w", err)
	}
	return nil
}

// Stats returns the counters.
func (c *ResultCache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Stores: c.stores.Load(),
		Errors: c.errors.Load(),
	}
}

func (c *ResultCache) miss() {
	c.misses.Add(1)
	c.metrics.CacheOperation(OutcomeMiss)
}

func (c *ResultCache) fail(op, key string, err error) {
	c.errors.Add(1)
	c.metrics.CacheOperation(OutcomeError)
	c.logger.Warn("cache operation failed", "operation", op, "key", key, "error", err)
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
