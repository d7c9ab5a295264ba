// Package probe classifies single ports. An Engine is bound to one scan type
// and dispatches every attempt to the prober for that type; each attempt
// walks pending -> probing -> a terminal state exactly once.
package probe

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/time/rate"

	"github.com/anstrom/portgate/internal/errors"
	"github.com/anstrom/portgate/internal/logging"
	"github.com/anstrom/portgate/internal/rawsock"
)

// Outcome is what a prober observed for one port.
type Outcome struct {
	State  State
	Reason string
	// Responded is the transport-level signal fed to adaptive tuning: the
	// target answered in some way (connected, refused, replied).
	Responded bool

	TTL    *uint8
	Window *uint32

	// Set by protocol-aware UDP payloads that recognise the reply.
	Service    string
	Version    string
	Confidence float64

	// Err is set only when the probe was abandoned because ctx ended.
	Err error
}

// Prober runs one attempt against host:port.
type Prober interface {
	Probe(ctx context.Context, host netip.Addr, port uint16, timeout time.Duration) Outcome
}

// Exchanger sends a crafted TCP segment and waits for the matching reply.
// *rawsock.Socket implements it.
type Exchanger interface {
	Exchange(ctx context.Context, dst netip.Addr, dstPort uint16, flags rawsock.Flags, timeout time.Duration) (rawsock.Reply, bool, error)
}

// AttemptRecorder receives the transport signal of every attempt.
type AttemptRecorder interface {
	RecordAttempt(success bool)
}

// Engine probes ports with one scan type.
type Engine struct {
	scanType ScanType
	prober   Prober
	raw      Exchanger
	limiter  *rate.Limiter
	logger   *logging.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRawSocket supplies the raw-packet capability needed by SYN, FIN, NULL
// and XMAS scans.
func WithRawSocket(x Exchanger) Option {
	return func(e *Engine) { e.raw = x }
}

// WithPacketRate paces attempts to pps per second. Zero disables pacing.
func WithPacketRate(pps float64, burst int) Option {
	return func(e *Engine) {
		if pps <= 0 {
			e.limiter = nil
			return
		}
		e.limiter = rate.NewLimiter(rate.Limit(pps), max(burst, 1))
	}
}

// WithProber overrides the prober selected for the scan type.
func WithProber(p Prober) Option {
	return func(e *Engine) { e.prober = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds an Engine for t. Raw scan types fail with a permission
// error when no raw socket was supplied.
func NewEngine(t ScanType, opts ...Option) (*Engine, error) {
	e := &Engine{scanType: t, logger: logging.Default()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("probe")

	if e.prober == nil {
		p, err := e.proberFor(t)
		if err != nil {
			return nil, err
		}
		e.prober = p
	}
	return e, nil
}

func (e *Engine) proberFor(t ScanType) (Prober, error) {
	switch t {
	case TCPConnect:
		return connectProber{}, nil
	case UDPScan:
		return udpProber{}, nil
	case SYN, FIN, NULL, XMAS:
		if e.raw == nil {
			return nil, errors.NewScanError(errors.CodePermission,
				fmt.Sprintf("%s scan needs a raw socket (run as root or grant CAP_NET_RAW)", t))
		}
		return newRawProber(t, e.raw), nil
	default:
		return nil, fmt.Errorf("unsupported scan type %s", t)
	}
}

// ScanType returns the engine's scan type.
func (e *Engine) ScanType() ScanType { return e.scanType }

// Run probes one port and returns its result. The error is non-nil only when
// ctx ended before the port could be classified; no result exists then.
func (e *Engine) Run(ctx context.Context, host netip.Addr, port uint16, timeout time.Duration, rec AttemptRecorder) (PortResult, error) {
	m := machine{port: port, state: StatePending}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			// Wait gives up at once when the next token falls past ctx's
			// deadline; the port is then abandoned when ctx ends, not dropped now.
			if _, ok := ctx.Deadline(); ok {
				<-ctx.Done()
			}
			if ctx.Err() != nil {
				return PortResult{}, ctx.Err()
			}
			return PortResult{
				Port:     port,
				Protocol: e.scanType.Protocol(),
				State:    StateError,
				Reason:   "pacing: " + err.Error(),
			}, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return PortResult{}, err
	}

	_ = m.advance(StateProbing)
	out := e.prober.Probe(ctx, host, port, timeout)
	if out.Err != nil {
		return PortResult{}, out.Err
	}
	if rec != nil {
		rec.RecordAttempt(out.Responded)
	}

	if err := m.advance(out.State); err != nil {
		e.logger.Warn("prober returned a non-terminal state", "port", port, "state", out.State)
		out.State, out.Reason = StateError, err.Error()
		m.state = StateError
	}

	return PortResult{
		Port:       port,
		Protocol:   e.scanType.Protocol(),
		State:      m.state,
		Service:    out.Service,
		Version:    out.Version,
		Confidence: out.Confidence,
		TTL:        out.TTL,
		WindowSize: out.Window,
		Reason:     out.Reason,
	}, nil
}

// machine tracks one port through its probe lifecycle.
type machine struct {
	port  uint16
	state State
}

func (m *machine) advance(to State) error {
	switch {
	case m.state == StatePending && to == StateProbing,
		m.state == StateProbing && to.Terminal():
		m.state = to
		return nil
	default:
		return fmt.Errorf("port %d: invalid transition %s -> %s", m.port, m.state, to)
	}
}
