// Package adaptive tunes scan concurrency and per-probe timeout from the
// observed transport success rate.
package adaptive

import (
	"sync"
	"time"

	"github.com/anstrom/portgate/internal/metrics"
)

const (
	lowWater      = 0.7
	highWater     = 0.9
	timeoutRaise  = 500 * time.Millisecond
	timeoutShrink = 200 * time.Millisecond
)

// Config seeds a Controller.
type Config struct {
	Concurrency    int
	MaxConcurrency int
	Timeout        time.Duration
	MinTimeout     time.Duration
}

// DefaultConfig returns concurrency 50 (max 500) and a 1s timeout (min 500ms).
func DefaultConfig() Config {
	return Config{
		Concurrency:    50,
		MaxConcurrency: 500,
		Timeout:        time.Second,
		MinTimeout:     500 * time.Millisecond,
	}
}

// State is a snapshot of the controller.
type State struct {
	Concurrency       int           `json:"concurrency"`
	Timeout           time.Duration `json:"timeout"`
	SuccessRate       float64       `json:"success_rate"`
	FailedConnections int           `json:"failed_connections"`
	TotalAttempts     int           `json:"total_attempts"`
	MaxConcurrency    int           `json:"max_concurrency"`
	MinTimeout        time.Duration `json:"min_timeout"`
}

// Controller is scan-local. RecordAttempt is safe to call from in-flight
// probes; Adjust and ResetStats are meant to run between priority groups.
type Controller struct {
	mu      sync.Mutex
	state   State
	metrics metrics.Recorder
}

// New creates a Controller. Out-of-range values are clamped so that
// 1 <= Concurrency <= MaxConcurrency and Timeout >= MinTimeout.
func New(cfg Config, rec metrics.Recorder) *Controller {
	d := DefaultConfig()
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = d.MaxConcurrency
	}
	if cfg.MinTimeout <= 0 {
		cfg.MinTimeout = d.MinTimeout
	}
	cfg.Concurrency = min(max(cfg.Concurrency, 1), cfg.MaxConcurrency)
	cfg.Timeout = max(cfg.Timeout, cfg.MinTimeout)
	if rec == nil {
		rec = metrics.Nop{}
	}

	c := &Controller{
		metrics: rec,
		state: State{
			Concurrency:    cfg.Concurrency,
			Timeout:        cfg.Timeout,
			SuccessRate:    1,
			MaxConcurrency: cfg.MaxConcurrency,
			MinTimeout:     cfg.MinTimeout,
		},
	}
	rec.AdaptiveState(c.state.Concurrency, c.state.Timeout)
	return c
}

// RecordAttempt counts one probe attempt. success means the transport got an
// answer (connected, refused, replied), not that the port was open.
func (c *Controller) RecordAttempt(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.TotalAttempts++
	if !success {
		c.state.FailedConnections++
	}
}

func (c *Controller) successRate() float64 {
	if c.state.TotalAttempts == 0 {
		return 1
	}
	return 1 - float64(c.state.FailedConnections)/float64(c.state.TotalAttempts)
}

// Adjust recomputes the success rate and moves concurrency and timeout:
// below 0.7 it halves concurrency and adds 500ms, above 0.9 it grows
// concurrency by half (at least by one) and trims 200ms, otherwise nothing
// changes.
func (c *Controller) Adjust() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	rate := c.successRate()
	c.state.SuccessRate = rate

	switch {
	case rate < lowWater:
		c.state.Concurrency = max(1, c.state.Concurrency/2)
		c.state.Timeout += timeoutRaise
	case rate > highWater:
		c.state.Concurrency = min(c.state.MaxConcurrency, max(c.state.Concurrency+1, c.state.Concurrency*3/2))
		c.state.Timeout = max(c.state.MinTimeout, c.state.Timeout-timeoutShrink)
	}

	c.metrics.AdaptiveState(c.state.Concurrency, c.state.Timeout)
	return c.state
}

// ResetStats clears the attempt counters without touching the tuned values.
func (c *Controller) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.TotalAttempts = 0
	c.state.FailedConnections = 0
}

// State returns a snapshot with a live success rate.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.SuccessRate = c.successRate()
	return s
}
