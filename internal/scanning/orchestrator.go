package scanning

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/anstrom/portgate/internal/adaptive"
	"github.com/anstrom/portgate/internal/cache"
	"github.com/anstrom/portgate/internal/errors"
	"github.com/anstrom/portgate/internal/events"
	"github.com/anstrom/portgate/internal/logging"
	"github.com/anstrom/portgate/internal/metrics"
	"github.com/anstrom/portgate/internal/osfp"
	"github.com/anstrom/portgate/internal/priority"
	"github.com/anstrom/portgate/internal/probe"
	"github.com/anstrom/portgate/internal/ratelimit"
	"github.com/anstrom/portgate/internal/service"
)

// Scan statuses reported to metrics.
const (
	statusSuccess    = "success"
	statusCached     = "cached"
	statusIncomplete = "incomplete"
	statusTimeout    = "timeout"
	statusRejected   = "rejected"
	statusError      = "error"
)

const defaultTrackerCapacity = 64

// PortProber classifies one port. *probe.Engine implements it.
type PortProber interface {
	Run(ctx context.Context, host netip.Addr, port uint16, timeout time.Duration, rec probe.AttemptRecorder) (probe.PortResult, error)
}

// EngineFactory returns the prober for a scan type.
type EngineFactory func(t probe.ScanType) (PortProber, error)

// ServiceDetector enriches an open TCP port. *service.Detector implements it.
type ServiceDetector interface {
	Detect(ctx context.Context, host netip.Addr, port uint16, timeout time.Duration) service.Match
}

// Orchestrator runs scans end to end: admission, cache, prioritised probing,
// service and OS detection, and cache write-back.
type Orchestrator struct {
	gate      *ratelimit.Gate
	cache     *cache.ResultCache
	engines   EngineFactory
	detector  ServiceDetector
	tracker   *Tracker
	resolve   func(ctx context.Context, target string) (netip.Addr, error)
	reachable func(ctx context.Context, host netip.Addr, ports []uint16, timeout time.Duration) error
	adaptive  adaptive.Config
	defaults  ScanConfig
	logger    *logging.Logger
	metrics   metrics.Recorder
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRateGate enables admission control.
func WithRateGate(g *ratelimit.Gate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

// WithCache enables result caching.
func WithCache(c *cache.ResultCache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithEngineFactory replaces the default probe engine construction.
func WithEngineFactory(f EngineFactory) Option {
	return func(o *Orchestrator) { o.engines = f }
}

// WithEngineOptions sets the options used by the default engine factory.
func WithEngineOptions(opts ...probe.Option) Option {
	return func(o *Orchestrator) {
		o.engines = func(t probe.ScanType) (PortProber, error) {
			return newEngine(t, opts...)
		}
	}
}

// WithServiceDetector replaces the default service detector.
func WithServiceDetector(d ServiceDetector) Option {
	return func(o *Orchestrator) { o.detector = d }
}

// WithTracker replaces the default in-process scan tracker.
func WithTracker(t *Tracker) Option {
	return func(o *Orchestrator) { o.tracker = t }
}

// WithResolver replaces target resolution.
func WithResolver(f func(ctx context.Context, target string) (netip.Addr, error)) Option {
	return func(o *Orchestrator) { o.resolve = f }
}

// WithReachabilityCheck replaces the require_reachable preflight.
func WithReachabilityCheck(f func(ctx context.Context, host netip.Addr, ports []uint16, timeout time.Duration) error) Option {
	return func(o *Orchestrator) { o.reachable = f }
}

// WithAdaptiveConfig seeds the per-scan adaptive controller.
func WithAdaptiveConfig(cfg adaptive.Config) Option {
	return func(o *Orchestrator) { o.adaptive = cfg }
}

// WithDefaults sets the config ScanSync uses when a request carries none.
func WithDefaults(cfg ScanConfig) Option {
	return func(o *Orchestrator) { o.defaults = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = r }
}

// New creates an Orchestrator. Without options it scans with connect probes,
// no admission control and no cache.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		resolve:   probe.Resolve,
		reachable: probe.CheckReachable,
		adaptive:  adaptive.DefaultConfig(),
		defaults:  DefaultScanConfig(),
		logger:    logging.Default(),
		metrics:   metrics.Nop{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.engines == nil {
		o.engines = func(t probe.ScanType) (PortProber, error) { return newEngine(t) }
	}
	if o.detector == nil {
		o.detector = service.New(service.WithLogger(o.logger))
	}
	if o.tracker == nil {
		o.tracker = NewTracker(defaultTrackerCapacity)
	}
	o.logger = o.logger.WithComponent("orchestrator")
	return o
}

func newEngine(t probe.ScanType, opts ...probe.Option) (PortProber, error) {
	e, err := probe.NewEngine(t, opts...)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Tracker returns the in-process scan tracker.
func (o *Orchestrator) Tracker() *Tracker { return o.tracker }

// Defaults returns the config ScanSync uses when a request carries none.
func (o *Orchestrator) Defaults() ScanConfig { return o.defaults }

// ScanSync runs a scan on a background context bounded only by the
// configured scan timeout. A zero Config selects the orchestrator defaults.
// Events are discarded.
func (o *Orchestrator) ScanSync(req Request) (*Result, error) {
	if req.Config == (ScanConfig{}) {
		req.Config = o.defaults
	}
	return o.Scan(context.Background(), req, nil)
}

// Admission is a granted admission decision. It holds the global scan slot
// until Release, so one admission can cover several attempts of a scan.
type Admission struct {
	// Warning is the large-scan notice from the rate gate, if any.
	Warning string

	release func()
	once    sync.Once
}

// Release returns the global scan slot. It is safe to call more than once
// and on a nil Admission.
func (a *Admission) Release() {
	if a == nil || a.release == nil {
		return
	}
	a.once.Do(a.release)
}

// Scan runs one scan. Admission failures are returned before any probing.
// When ctx is cancelled the partial result is returned with Incomplete set
// and a nil error; when the scan timeout elapses the partial result is
// returned together with a *errors.ScanTimeoutError.
func (o *Orchestrator) Scan(ctx context.Context, req Request, sink events.Sink) (*Result, error) {
	if sink == nil {
		sink = events.Discard
	}
	if req.ScanID == "" {
		req.ScanID = uuid.NewString()
	}

	adm, err := o.Admit(ctx, req)
	if err != nil {
		e := events.Error(err.Error())
		e.ScanID = req.ScanID
		sink.Emit(e)
		return nil, err
	}
	defer adm.Release()

	return o.ScanAdmitted(ctx, req, adm, sink)
}

// Admit validates req and runs the rate gate, consuming one client and one
// target quota entry and claiming a global scan slot. Callers that retry a
// scan admit it once and pass the Admission to every ScanAdmitted attempt.
func (o *Orchestrator) Admit(ctx context.Context, req Request) (*Admission, error) {
	start := time.Now()
	reject := func(err error) (*Admission, error) {
		o.metrics.ScanFinished(req.Config.ScanType.String(), statusRejected, time.Since(start))
		o.logger.WithContext(ctx).WithTarget(req.Target).Warn("Scan rejected", "error", err)
		return nil, err
	}

	if err := o.validate(req); err != nil {
		return reject(err)
	}
	if o.gate == nil {
		return &Admission{}, nil
	}

	decision, err := o.gate.Admit(ctx, ratelimit.Request{
		ClientID:  req.ClientID,
		Target:    req.Target,
		PortCount: len(req.Ports),
	})
	if err != nil {
		return reject(err)
	}
	release, err := o.gate.AcquireScanSlot(ctx)
	if err != nil {
		return reject(err)
	}
	return &Admission{Warning: decision.Warning, release: release}, nil
}

// ScanAdmitted runs one attempt of an admitted scan. It does not release
// adm; the caller does once no further attempts follow.
func (o *Orchestrator) ScanAdmitted(ctx context.Context, req Request, adm *Admission, sink events.Sink) (res *Result, err error) {
	if sink == nil {
		sink = events.Discard
	}
	if req.ScanID == "" {
		req.ScanID = uuid.NewString()
	}
	sc := logging.ScanContext{ScanID: req.ScanID, TraceID: uuid.NewString()}
	if prev, ok := logging.FromContext(ctx); ok && prev.TraceID != "" {
		sc.TraceID = prev.TraceID
	}
	ctx = logging.NewContext(ctx, sc)
	logger := o.logger.WithContext(ctx).WithTarget(req.Target)

	emit := func(e events.Event) {
		e.ScanID = req.ScanID
		sink.Emit(e)
	}

	cfg := req.Config
	scanType := cfg.ScanType.String()
	scanStart := time.Now()
	status := statusSuccess
	defer func() {
		if err != nil {
			emit(events.Error(err.Error()))
			if status == statusSuccess {
				status = statusError
			}
		}
		o.metrics.ScanFinished(scanType, status, time.Since(scanStart))
	}()

	if err := o.tracker.Acquire(ctx, req.ScanID, req.Target); err != nil {
		status = statusRejected
		logger.Warn("Scan rejected", "error", err)
		return nil, err
	}
	defer o.tracker.Release(req.ScanID)

	o.metrics.ScanStarted()
	defer o.metrics.ScanEnded()

	logger.Info("Starting scan",
		"scan_type", scanType,
		"port_count", len(req.Ports),
		"force", cfg.Force)
	emit(events.Info(fmt.Sprintf("scanning %s (%d ports, %s)", req.Target, len(req.Ports), scanType)))

	res = newResult(req.ScanID, req.Target, cfg.ScanType)
	if adm != nil {
		res.Warning = adm.Warning
	}

	key := cache.Key(req.Target, req.Ports)
	profile := cache.Profile{ScanType: scanType, ServiceDetection: cfg.ServiceDetection}
	if !cfg.Force && o.cache != nil {
		if entry, ok := o.cache.Check(ctx, key, profile); ok {
			res.Cached = true
			res.Ports = entry.Results
			o.finish(res, cfg)
			status = statusCached
			logger.Info("Serving cached results", "cached_at", entry.CachedAt, "ports", len(res.Ports))
			emit(events.ScanComplete(len(res.OpenPorts()), len(res.Ports)))
			return res, nil
		}
	}

	addr, err := o.resolve(ctx, req.Target)
	if err != nil {
		return nil, err
	}
	res.Address = addr.String()

	if cfg.RequireReachable {
		if err := o.reachable(ctx, addr, req.Ports, cfg.Timeout); err != nil {
			status = statusRejected
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
	}

	engine, err := o.engines(cfg.ScanType)
	if err != nil {
		return nil, err
	}

	scanCtx := ctx
	if cfg.ScanTimeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, cfg.ScanTimeout)
		defer cancel()
	}

	ctrl := o.controller(cfg)
	expected := o.runGroups(scanCtx, engine, addr, req.Ports, cfg, ctrl, emit, res)

	if cfg.AdaptiveScanning {
		st := ctrl.State()
		res.Adaptive = &st
	}

	if scanCtx.Err() != nil {
		res.Incomplete = true
		o.finish(res, cfg)
		if ctx.Err() == nil && stderrors.Is(scanCtx.Err(), context.DeadlineExceeded) {
			status = statusTimeout
			logger.Warn("Scan timed out", "timeout", cfg.ScanTimeout, "ports_done", len(res.Ports))
			return res, &errors.ScanTimeoutError{Target: req.Target, Timeout: cfg.ScanTimeout}
		}
		status = statusIncomplete
		logger.Info("Scan cancelled", "ports_done", len(res.Ports))
		emit(events.Info("scan cancelled, results are incomplete"))
		emit(events.ScanComplete(len(res.OpenPorts()), len(res.Ports)))
		return res, nil
	}

	// A partial result is never cached, however it came about.
	if len(res.Ports) < expected {
		res.Incomplete = true
		status = statusIncomplete
		logger.Warn("Scan finished without every port classified",
			"ports_done", len(res.Ports), "ports_requested", expected)
	} else if o.cache != nil && !cfg.Force {
		if err := o.cache.Store(ctx, key, req.Target, profile, res.Ports, 0); err != nil {
			logger.Warn("Failed to cache results", "error", err)
		}
	}

	o.finish(res, cfg)
	for state, n := range res.StateCounts() {
		o.metrics.PortsScanned(scanType, string(state), n)
	}

	logger.Info("Scan completed",
		"duration", res.Duration,
		"ports", len(res.Ports),
		"open", len(res.OpenPorts()))
	emit(events.ScanComplete(len(res.OpenPorts()), len(res.Ports)))
	return res, nil
}

func (o *Orchestrator) validate(req Request) error {
	if req.Target == "" {
		return &errors.InvalidTargetError{Target: req.Target, Reason: "empty target"}
	}
	if len(req.Ports) == 0 {
		return errors.NewScanErrorWithTarget(errors.CodeValidation, "no ports specified", req.Target)
	}
	for _, p := range req.Ports {
		if p == 0 {
			return errors.NewScanErrorWithTarget(errors.CodeValidation, "port 0 is not scannable", req.Target)
		}
	}
	return req.Config.Validate()
}

func (o *Orchestrator) controller(cfg ScanConfig) *adaptive.Controller {
	seed := o.adaptive
	seed.Timeout = cfg.Timeout
	if !cfg.AdaptiveScanning {
		seed.Concurrency = cfg.MaxConcurrent
		seed.MaxConcurrency = max(seed.MaxConcurrency, cfg.MaxConcurrent)
		return adaptive.New(seed, metrics.Nop{})
	}
	return adaptive.New(seed, o.metrics)
}

// runGroups probes each priority group in turn and returns the number of
// distinct ports requested. Concurrency and timeout are read once per group;
// the controller adjusts only between groups.
func (o *Orchestrator) runGroups(ctx context.Context, engine PortProber, addr netip.Addr,
	ports []uint16, cfg ScanConfig, ctrl *adaptive.Controller, emit func(events.Event), res *Result) int {
	groups := priority.ScanOrder(ports)
	logger := o.logger.WithContext(ctx)

	expected := 0
	for _, g := range groups {
		expected += len(g.Ports)
	}

	for i, g := range groups {
		if ctx.Err() != nil {
			return expected
		}
		progress := (i + 1) * 100 / len(groups)
		if len(g.Ports) == 0 {
			emit(events.GroupComplete(g.Tier.String(), 0, progress))
			continue
		}

		st := ctrl.State()
		width := min(st.Concurrency, cfg.MaxConcurrent)
		emit(events.GroupStart(g.Tier.String(), len(g.Ports)))
		logger.Debug("Probing priority group",
			"priority", g.Tier.String(),
			"ports", len(g.Ports),
			"concurrency", width,
			"timeout", st.Timeout)

		results := o.runGroup(ctx, engine, addr, g.Ports, width, st.Timeout, cfg, ctrl, emit)
		open := 0
		for _, r := range results {
			if r.State == probe.StateOpen {
				open++
			}
		}
		res.Ports = append(res.Ports, results...)

		if ctx.Err() != nil {
			return expected
		}
		emit(events.GroupComplete(g.Tier.String(), open, progress))

		if cfg.AdaptiveScanning {
			next := ctrl.Adjust()
			ctrl.ResetStats()
			logger.Debug("Adaptive adjustment",
				"success_rate", next.SuccessRate,
				"concurrency", next.Concurrency,
				"timeout", next.Timeout)
		}
	}
	return expected
}

// runGroup fans out over ports with at most width ports in flight. Ports
// not classified before ctx ended are absent from the returned slice; any
// other failure is reported as an ERROR result for that port.
func (o *Orchestrator) runGroup(ctx context.Context, engine PortProber, addr netip.Addr, ports []uint16,
	width int, timeout time.Duration, cfg ScanConfig, ctrl *adaptive.Controller, emit func(events.Event)) []probe.PortResult {
	sem := semaphore.NewWeighted(int64(max(width, 1)))
	g, gctx := errgroup.WithContext(ctx)

	results := make([]probe.PortResult, len(ports))
	done := make([]bool, len(ports))

	for i, port := range ports {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)

			r, err := engine.Run(gctx, addr, port, timeout, ctrl)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				r = probe.PortResult{
					Port:     port,
					Protocol: cfg.ScanType.Protocol(),
					State:    probe.StateError,
					Reason:   err.Error(),
				}
			}
			r = o.enrich(gctx, addr, r, cfg)
			results[i] = r
			done[i] = true
			if r.State == probe.StateOpen {
				emit(events.OpenPort(r.Port, r.Service))
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]probe.PortResult, 0, len(ports))
	for i, ok := range done {
		if ok {
			out = append(out, results[i])
		}
	}
	return out
}

// enrich runs service detection on an open TCP result.
func (o *Orchestrator) enrich(ctx context.Context, addr netip.Addr, r probe.PortResult, cfg ScanConfig) probe.PortResult {
	if !cfg.ServiceDetection || r.State != probe.StateOpen || r.Protocol != probe.TCP {
		return r
	}
	m := o.detector.Detect(ctx, addr, r.Port, cfg.ServiceTimeout)
	if m.Service == "" {
		return r
	}
	r.Service = m.Service
	r.Version = m.Version
	r.Banner = m.Banner
	r.Confidence = m.Confidence
	return r
}

// finish orders results, applies banner policy and fingerprints the OS.
func (o *Orchestrator) finish(res *Result, cfg ScanConfig) {
	sort.Slice(res.Ports, func(i, j int) bool { return res.Ports[i].Port < res.Ports[j].Port })

	if !cfg.BannerGrabbing {
		for i := range res.Ports {
			res.Ports[i].Banner = ""
		}
	}

	if cfg.OSDetection {
		guess, err := osfp.Fingerprint(res.Ports)
		if err != nil {
			res.OS = nil
			res.OSError = err.Error()
		} else {
			res.OS = guess
			res.OSError = ""
		}
	}

	res.complete()
}
