// Package ratelimit implements multi-layer scan admission: per-client and
// per-target sliding-window quotas, a port-count ceiling, a global
// concurrent-scan counter, and escalating cooldowns for repeat offenders.
//
// Store-outage policy: the client and target quotas and the violation
// counter are best-effort and fail open (the outage is logged and the scan is
// admitted). The cooldown check and the global concurrency slot are
// safety-critical and fail closed with a ServiceUnavailableError.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/portgate/internal/errors"
	"github.com/anstrom/portgate/internal/logging"
	"github.com/anstrom/portgate/internal/metrics"
	"github.com/anstrom/portgate/internal/store"
)

const (
	keyPrefix        = "rate_limit:"
	globalKey        = keyPrefix + "global:concurrent"
	releaseTimeout   = 2 * time.Second
	globalRetryAfter = 30 * time.Second
	storeService     = "rate-limit store"
)

// Admission layers, used in errors and metrics.
const (
	LayerClient    = "client"
	LayerTarget    = "target"
	LayerPortCount = "port_count"
	LayerGlobal    = "global"
	LayerCooldown  = "cooldown"
)

// ClientKey returns the sliding-window key for a client.
func ClientKey(id string) string { return keyPrefix + "client:" + id }

// TargetKey returns the sliding-window key for a target.
func TargetKey(target string) string { return keyPrefix + "target:" + target }

// ViolationKey returns the violation counter key for a client.
func ViolationKey(id string) string { return keyPrefix + "violations:" + id }

// CooldownKey returns the cooldown flag key for a client.
func CooldownKey(id string) string { return keyPrefix + "cooldown:" + id }

// Config holds admission limits.
type Config struct {
	Enabled            bool
	ClientLimit        int
	TargetLimit        int
	Window             time.Duration
	MaxPorts           int
	WarnPorts          int
	MaxConcurrentScans int
	ConcurrentTTL      time.Duration
	ViolationTTL       time.Duration
	Cooldowns          []time.Duration
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		ClientLimit:        10,
		TargetLimit:        50,
		Window:             time.Hour,
		MaxPorts:           1000,
		WarnPorts:          100,
		MaxConcurrentScans: 1000,
		ConcurrentTTL:      time.Hour,
		ViolationTTL:       30 * 24 * time.Hour,
		Cooldowns:          []time.Duration{0, 5 * time.Minute, time.Hour, 24 * time.Hour},
	}
}

// Decision describes the outcome of an admission check and carries the
// metadata callers expose to clients.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Warning    string
	// Degraded is set when a best-effort layer was skipped because the store was down.
	Degraded bool
}

// Request identifies one scan asking for admission.
type Request struct {
	ClientID  string
	Target    string
	PortCount int
}

// Gate is the admission controller.
type Gate struct {
	store   store.Store
	cfg     Config
	logger  *logging.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(g *Gate) { g.metrics = r }
}

// New creates a Gate over s.
func New(s store.Store, cfg Config, opts ...Option) *Gate {
	g := &Gate{
		store:   s,
		cfg:     cfg,
		logger:  logging.Default(),
		metrics: metrics.Nop{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.WithComponent("ratelimit")
	return g
}

// Config returns the gate's limits.
func (g *Gate) Config() Config {
	return g.cfg
}

func unixScore(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromScore(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second)))
}

// checkWindow applies the sliding-window algorithm to key: prune entries
// older than the window, count, reject at limit, else record and refresh
// the key's expiry.
func (g *Gate) checkWindow(ctx context.Context, layer, key string, limit int) (Decision, error) {
	now := g.now()
	d, err := g.peekWindow(ctx, layer, key, limit, now)
	if err != nil || !d.Allowed || d.Degraded {
		return d, err
	}
	return g.record(ctx, layer, key, now, d)
}

// peekWindow prunes key and reports whether one more entry fits, without
// recording it.
func (g *Gate) peekWindow(ctx context.Context, layer, key string, limit int, now time.Time) (Decision, error) {
	windowStart := now.Add(-g.cfg.Window)

	if _, err := g.store.ZRemRangeByScore(ctx, key, 0, unixScore(windowStart)); err != nil {
		return g.failOpen(layer, limit, err)
	}
	count, err := g.store.ZCard(ctx, key)
	if err != nil {
		return g.failOpen(layer, limit, err)
	}

	resetAt := now.Add(g.cfg.Window)
	if oldest, ok, err := g.store.ZMinScore(ctx, key); err == nil && ok {
		resetAt = fromScore(oldest).Add(g.cfg.Window)
	}

	if int(count) >= limit {
		retryAfter := resetAt.Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return Decision{Limit: limit, ResetAt: resetAt, RetryAfter: retryAfter}, nil
	}
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - int(count) - 1,
		ResetAt:   resetAt,
	}, nil
}

// record adds the entry d was granted for and refreshes the key's expiry.
func (g *Gate) record(ctx context.Context, layer, key string, now time.Time, d Decision) (Decision, error) {
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()
	if err := g.store.ZAdd(ctx, key, unixScore(now), member); err != nil {
		return g.failOpen(layer, d.Limit, err)
	}
	if _, err := g.store.Expire(ctx, key, g.cfg.Window); err != nil {
		g.logger.Warn("Failed to refresh window expiry", "layer", layer, "error", err)
	}
	return d, nil
}

func (g *Gate) failOpen(layer string, limit int, err error) (Decision, error) {
	if !store.IsUnavailable(err) {
		return Decision{}, fmt.Errorf("%s quota: %w", layer, err)
	}
	g.logger.Warn("Rate-limit store unavailable, admitting without quota check", "layer", layer, "error", err)
	return Decision{Allowed: true, Limit: limit, Remaining: limit, Degraded: true}, nil
}

// CheckClient applies the per-client quota.
func (g *Gate) CheckClient(ctx context.Context, clientID string) (Decision, error) {
	return g.checkWindow(ctx, LayerClient, ClientKey(clientID), g.cfg.ClientLimit)
}

// CheckTarget applies the per-target quota shared by all clients.
func (g *Gate) CheckTarget(ctx context.Context, target string) (Decision, error) {
	return g.checkWindow(ctx, LayerTarget, TargetKey(target), g.cfg.TargetLimit)
}

// CheckPortCount rejects oversized scans and flags large ones with a warning.
func (g *Gate) CheckPortCount(count int) (Decision, error) {
	if count > g.cfg.MaxPorts {
		g.metrics.RateLimited(LayerPortCount)
		return Decision{Limit: g.cfg.MaxPorts}, &errors.RateLimitError{
			Layer:  LayerPortCount,
			Reason: fmt.Sprintf("%d ports requested, maximum is %d", count, g.cfg.MaxPorts),
			Limit:  g.cfg.MaxPorts,
		}
	}
	d := Decision{Allowed: true, Limit: g.cfg.MaxPorts, Remaining: g.cfg.MaxPorts - count}
	if count > g.cfg.WarnPorts {
		d.Warning = fmt.Sprintf("large scan: %d ports requested", count)
		g.metrics.LargeScanWarning()
		g.logger.Warn("Large port scan requested", "ports", count, "warn_threshold", g.cfg.WarnPorts)
	}
	return d, nil
}

// CooldownFor returns the cooldown for the given violation count. The
// schedule is indexed from the first violation and clamped at its last entry.
func (g *Gate) CooldownFor(violations int64) time.Duration {
	if len(g.cfg.Cooldowns) == 0 || violations <= 0 {
		return 0
	}
	idx := int(violations - 1)
	if idx >= len(g.cfg.Cooldowns) {
		idx = len(g.cfg.Cooldowns) - 1
	}
	return g.cfg.Cooldowns[idx]
}

// IsOnCooldown reports whether clientID is cooling down and for how long.
func (g *Gate) IsOnCooldown(ctx context.Context, clientID string) (bool, time.Duration, error) {
	raw, ok, err := g.store.Get(ctx, CooldownKey(clientID))
	if err != nil {
		return false, 0, &errors.ServiceUnavailableError{Service: storeService, Cause: err}
	}
	if !ok {
		return false, 0, nil
	}
	until, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return false, 0, fmt.Errorf("corrupt cooldown for %s: %w", clientID, err)
	}
	remaining := time.Unix(0, until).Sub(g.now())
	if remaining <= 0 {
		return false, 0, nil
	}
	return true, remaining, nil
}

// ApplyCooldown puts clientID on cooldown for d. A zero d is a no-op.
func (g *Gate) ApplyCooldown(ctx context.Context, clientID string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	until := g.now().Add(d).UnixNano()
	if err := g.store.Set(ctx, CooldownKey(clientID), []byte(strconv.FormatInt(until, 10)), d); err != nil {
		return fmt.Errorf("apply cooldown: %w", err)
	}
	return nil
}

// RecordViolation increments the client's violation counter and applies the
// matching cooldown. It returns the new count and the cooldown applied.
func (g *Gate) RecordViolation(ctx context.Context, clientID, layer string) (int64, time.Duration, error) {
	key := ViolationKey(clientID)
	count, err := g.store.IncrBy(ctx, key, 1)
	if err != nil {
		g.logger.Warn("Failed to record violation", "client_id", clientID, "error", err)
		return 0, 0, err
	}
	if _, err := g.store.Expire(ctx, key, g.cfg.ViolationTTL); err != nil {
		g.logger.Warn("Failed to set violation retention", "client_id", clientID, "error", err)
	}

	cooldown := g.CooldownFor(count)
	if err := g.ApplyCooldown(ctx, clientID, cooldown); err != nil {
		g.logger.Warn("Failed to apply cooldown", "client_id", clientID, "error", err)
	}

	g.logger.Warn("Rate limit violation",
		"client_id", clientID, "layer", layer, "violations", count, "cooldown", cooldown)
	return count, cooldown, nil
}

func (g *Gate) reject(ctx context.Context, req Request, layer string, d Decision) error {
	g.metrics.RateLimited(layer)
	retryAfter := d.RetryAfter
	if _, cooldown, err := g.RecordViolation(ctx, req.ClientID, layer); err == nil && cooldown > retryAfter {
		retryAfter = cooldown
	}
	return &errors.RateLimitError{
		Layer:      layer,
		Reason:     fmt.Sprintf("%d scans per %s exceeded", d.Limit, g.cfg.Window),
		Limit:      d.Limit,
		Remaining:  0,
		ResetAt:    d.ResetAt,
		RetryAfter: retryAfter,
	}
}

// Admit runs cooldown, port-count, client and target checks in that order.
// Denied quota requests count as violations; cooldown and port-count denials
// do not, so a client on cooldown cannot extend it by retrying.
func (g *Gate) Admit(ctx context.Context, req Request) (Decision, error) {
	if !g.cfg.Enabled {
		return Decision{Allowed: true, Limit: g.cfg.ClientLimit, Remaining: g.cfg.ClientLimit}, nil
	}

	onCooldown, remaining, err := g.IsOnCooldown(ctx, req.ClientID)
	if err != nil {
		return Decision{}, err
	}
	if onCooldown {
		g.metrics.RateLimited(LayerCooldown)
		return Decision{RetryAfter: remaining}, &errors.RateLimitError{
			Layer:      LayerCooldown,
			Reason:     "client is cooling down after repeated violations",
			RetryAfter: remaining,
			ResetAt:    g.now().Add(remaining),
		}
	}

	portDecision, err := g.CheckPortCount(req.PortCount)
	if err != nil {
		return portDecision, err
	}

	// Both quotas are checked before either is charged, so a target denial
	// leaves the client's quota untouched.
	now := g.now()
	clientKey, targetKey := ClientKey(req.ClientID), TargetKey(req.Target)
	client, err := g.peekWindow(ctx, LayerClient, clientKey, g.cfg.ClientLimit, now)
	if err != nil {
		return client, err
	}
	if !client.Allowed {
		return client, g.reject(ctx, req, LayerClient, client)
	}
	target, err := g.peekWindow(ctx, LayerTarget, targetKey, g.cfg.TargetLimit, now)
	if err != nil {
		return target, err
	}
	if !target.Allowed {
		return target, g.reject(ctx, req, LayerTarget, target)
	}

	if !client.Degraded {
		if client, err = g.record(ctx, LayerClient, clientKey, now, client); err != nil {
			return client, err
		}
	}
	if !target.Degraded {
		if target, err = g.record(ctx, LayerTarget, targetKey, now, target); err != nil {
			return target, err
		}
	}

	client.Warning = portDecision.Warning
	client.Degraded = client.Degraded || target.Degraded
	return client, nil
}

// AcquireScanSlot claims one global concurrent-scan slot. The returned
// release must be called on every exit path; it is safe to call twice.
func (g *Gate) AcquireScanSlot(ctx context.Context) (func(), error) {
	if !g.cfg.Enabled {
		return func() {}, nil
	}

	n, err := g.store.IncrBy(ctx, globalKey, 1)
	if err != nil {
		return nil, &errors.ServiceUnavailableError{Service: storeService, Cause: err}
	}
	// Safety net: a crashed process cannot hold its slot past the TTL.
	if _, err := g.store.Expire(ctx, globalKey, g.cfg.ConcurrentTTL); err != nil {
		g.decrement()
		return nil, &errors.ServiceUnavailableError{Service: storeService, Cause: err}
	}

	if n > int64(g.cfg.MaxConcurrentScans) {
		g.decrement()
		g.metrics.RateLimited(LayerGlobal)
		return nil, &errors.RateLimitError{
			Layer:      LayerGlobal,
			Reason:     fmt.Sprintf("%d concurrent scans already running", g.cfg.MaxConcurrentScans),
			Limit:      g.cfg.MaxConcurrentScans,
			RetryAfter: globalRetryAfter,
		}
	}

	var once sync.Once
	return func() { once.Do(g.decrement) }, nil
}

// decrement runs detached from the scan's context, which may already be cancelled.
func (g *Gate) decrement() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	n, err := g.store.IncrBy(ctx, globalKey, -1)
	if err != nil {
		g.logger.Error("Failed to release scan slot", "error", err)
		return
	}
	if n < 0 {
		_ = g.store.Set(ctx, globalKey, []byte("0"), g.cfg.ConcurrentTTL)
	}
}

// ActiveScans returns the global concurrent-scan counter.
func (g *Gate) ActiveScans(ctx context.Context) (int64, error) {
	raw, ok, err := g.store.Get(ctx, globalKey)
	if err != nil || !ok {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}
