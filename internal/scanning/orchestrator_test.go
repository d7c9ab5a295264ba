package scanning

import (
	"context"
	stderrors "errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/portgate/internal/adaptive"
	"github.com/anstrom/portgate/internal/cache"
	"github.com/anstrom/portgate/internal/errors"
	"github.com/anstrom/portgate/internal/events"
	"github.com/anstrom/portgate/internal/logging"
	metricsmocks "github.com/anstrom/portgate/internal/metrics/mocks"
	"github.com/anstrom/portgate/internal/probe"
	"github.com/anstrom/portgate/internal/ratelimit"
	"github.com/anstrom/portgate/internal/service"
	"github.com/anstrom/portgate/internal/store"
)

var testAddr = netip.MustParseAddr("192.0.2.10")

// stubProber answers from a table; unknown ports are closed.
type stubProber struct {
	mu       sync.Mutex
	outcomes map[uint16]probe.Outcome
	hook     func(ctx context.Context, port uint16) (probe.Outcome, bool)
	calls    map[uint16]int
	timeouts map[uint16]time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newStubProber(outcomes map[uint16]probe.Outcome) *stubProber {
	return &stubProber{
		outcomes: outcomes,
		calls:    make(map[uint16]int),
		timeouts: make(map[uint16]time.Duration),
	}
}

func (s *stubProber) Probe(ctx context.Context, _ netip.Addr, port uint16, timeout time.Duration) probe.Outcome {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	s.mu.Lock()
	s.calls[port]++
	s.timeouts[port] = timeout
	s.mu.Unlock()

	if s.hook != nil {
		if out, ok := s.hook(ctx, port); ok {
			return out
		}
	}
	if out, ok := s.outcomes[port]; ok {
		return out
	}
	return probe.Outcome{State: probe.StateClosed, Reason: probe.ReasonConnRefused, Responded: true}
}

func (s *stubProber) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

func open() probe.Outcome {
	return probe.Outcome{State: probe.StateOpen, Reason: probe.ReasonConnected, Responded: true}
}

func filtered() probe.Outcome {
	return probe.Outcome{State: probe.StateFiltered, Reason: probe.ReasonTimeout}
}

// stubDetector recognises ssh on 22 and http elsewhere.
type stubDetector struct {
	mu    sync.Mutex
	ports []uint16
}

func (d *stubDetector) Detect(_ context.Context, _ netip.Addr, port uint16, _ time.Duration) service.Match {
	d.mu.Lock()
	d.ports = append(d.ports, port)
	d.mu.Unlock()
	if port == 22 {
		return service.Match{Service: "ssh", Version: "OpenSSH_9.6", Banner: "SSH-2.0-OpenSSH_9.6", Confidence: 0.95}
	}
	return service.Match{Service: "http", Confidence: 0.9, Banner: "HTTP/1.1 200 OK"}
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Emit(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) types() []events.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Type, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func (s *recordingSink) ofType(t events.Type) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestOrchestrator(p *stubProber, opts ...Option) *Orchestrator {
	base := []Option{
		WithLogger(logging.Discard()),
		WithEngineOptions(probe.WithProber(p), probe.WithLogger(logging.Discard())),
		WithResolver(func(context.Context, string) (netip.Addr, error) { return testAddr, nil }),
		WithServiceDetector(&stubDetector{}),
	}
	return New(append(base, opts...)...)
}

func testConfig() ScanConfig {
	cfg := DefaultScanConfig()
	cfg.OSDetection = false
	cfg.ScanTimeout = 0
	return cfg
}

func portsOf(results []probe.PortResult) []uint16 {
	out := make([]uint16, len(results))
	for i, r := range results {
		out[i] = r.Port
	}
	return out
}

func TestScan_EveryPortExactlyOnce(t *testing.T) {
	p := newStubProber(map[uint16]probe.Outcome{22: open(), 80: open()})
	o := newTestOrchestrator(p)
	sink := &recordingSink{}

	ports := []uint16{2000, 25, 22, 1000, 443, 80, 143}
	res, err := o.Scan(context.Background(), Request{ClientID: "c", Target: "host", Ports: ports, Config: testConfig()}, sink)
	require.NoError(t, err)

	assert.Equal(t, []uint16{22, 25, 80, 143, 443, 1000, 2000}, portsOf(res.Ports))
	assert.False(t, res.Incomplete)
	assert.False(t, res.Cached)
	assert.Equal(t, testAddr.String(), res.Address)
	assert.Equal(t, "connect", res.ScanType)
	for _, port := range ports {
		assert.Equal(t, 1, p.calls[port], "port %d", port)
	}

	openPorts := res.OpenPorts()
	require.Len(t, openPorts, 2)
	assert.Equal(t, "ssh", openPorts[0].Service)
	assert.Equal(t, "http", openPorts[1].Service)
	assert.Equal(t, 5, res.StateCounts()[probe.StateClosed])
	require.NotNil(t, res.Adaptive)

	types := sink.types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.TypeInfo, types[0])
	assert.Equal(t, events.TypeScanComplete, types[len(types)-1])
	assert.Len(t, sink.ofType(events.TypeGroupStart), 4)
	assert.Len(t, sink.ofType(events.TypeOpenPort), 2)

	completes := sink.ofType(events.TypeGroupComplete)
	require.Len(t, completes, 4)
	assert.Equal(t, "critical", completes[0].Priority)
	assert.Equal(t, 2, completes[0].OpenCount)
	assert.Equal(t, []int{25, 50, 75, 100},
		[]int{completes[0].Progress, completes[1].Progress, completes[2].Progress, completes[3].Progress})

	for _, e := range sink.events {
		assert.Equal(t, res.ScanID, e.ScanID)
	}
}

func TestScan_GroupsRunInPriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var order []uint16
	p := newStubProber(nil)
	p.hook = func(_ context.Context, port uint16) (probe.Outcome, bool) {
		mu.Lock()
		order = append(order, port)
		mu.Unlock()
		return probe.Outcome{}, false
	}
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	o := newTestOrchestrator(p)

	_, err := o.Scan(context.Background(), Request{Target: "host", Ports: []uint16{9999, 161, 6379, 22}, Config: cfg}, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint16{22, 6379, 161, 9999}, order)
}

func TestScan_ConcurrencyIsCappedByMaxConcurrent(t *testing.T) {
	p := newStubProber(nil)
	p.hook = func(context.Context, uint16) (probe.Outcome, bool) {
		time.Sleep(5 * time.Millisecond)
		return probe.Outcome{}, false
	}
	cfg := testConfig()
	cfg.MaxConcurrent = 3
	o := newTestOrchestrator(p, WithAdaptiveConfig(adaptive.Config{Concurrency: 50, MaxConcurrency: 100}))

	ports := make([]uint16, 0, 40)
	for i := uint16(10000); i < 10040; i++ {
		ports = append(ports, i)
	}
	res, err := o.Scan(context.Background(), Request{Target: "host", Ports: ports, Config: cfg}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Ports, 40)
	assert.LessOrEqual(t, int(p.peak.Load()), 3)
}

func TestScan_AdaptiveAdjustsBetweenGroups(t *testing.T) {
	outcomes := map[uint16]probe.Outcome{}
	for _, port := range []uint16{21, 22, 23, 80, 443, 3306, 8080, 8443} {
		outcomes[port] = filtered()
	}
	p := newStubProber(outcomes)
	cfg := testConfig()
	cfg.Timeout = time.Second
	o := newTestOrchestrator(p, WithAdaptiveConfig(adaptive.Config{
		Concurrency: 10, MaxConcurrency: 100, MinTimeout: 500 * time.Millisecond,
	}))

	ports := []uint16{21, 22, 23, 80, 443, 3306, 8080, 8443, 31337}
	res, err := o.Scan(context.Background(), Request{Target: "host", Ports: ports, Config: cfg}, nil)
	require.NoError(t, err)

	// the critical group failed entirely: 10 -> 5 and +500ms for the low group
	assert.Equal(t, time.Second, p.timeouts[22])
	assert.Equal(t, 1500*time.Millisecond, p.timeouts[31337])

	// the low group then succeeded: 5 -> 7 and -200ms
	require.NotNil(t, res.Adaptive)
	assert.Equal(t, 7, res.Adaptive.Concurrency)
	assert.Equal(t, 1300*time.Millisecond, res.Adaptive.Timeout)
	assert.Zero(t, res.Adaptive.TotalAttempts)
}

func TestScan_AdaptiveDisabledKeepsConfiguredTimeout(t *testing.T) {
	p := newStubProber(map[uint16]probe.Outcome{22: filtered()})
	cfg := testConfig()
	cfg.AdaptiveScanning = false
	o := newTestOrchestrator(p)

	res, err := o.Scan(context.Background(), Request{Target: "host", Ports: []uint16{22, 31337}, Config: cfg}, nil)
	require.NoError(t, err)
	assert.Nil(t, res.Adaptive)
	assert.Equal(t, cfg.Timeout, p.timeouts[31337])
}

func TestScan_ServiceDetectionOnlyOnOpenTCP(t *testing.T) {
	p := newStubProber(map[uint16]probe.Outcome{22: open(), 443: filtered()})
	det := &stubDetector{}
	o := newTestOrchestrator(p, WithServiceDetector(det))

	res, err := o.Scan(context.Background(), Request{Target: "host", Ports: []uint16{22, 443, 8080}, Config: testConfig()}, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint16{22}, det.ports)

	ssh := res.Ports[0]
	assert.Equal(t, "ssh", ssh.Service)
	assert.Equal(t, "OpenSSH_9.6", ssh.Version)
	assert.Equal(t, "SSH-2.0-OpenSSH_9.6", ssh.Banner)
	assert.InDelta(t, 0.95, ssh.Confidence, 1e-9)
}

func TestScan_BannerDroppedWithoutBannerGrabbing(t *testing.T) {
	p := newStubProber(map[uint16]probe.Outcome{22: open()})
	cfg := testConfig()
	cfg.BannerGrabbing = false
	o := newTestOrchestrator(p)

	res, err := o.Scan(context.Background(), Request{Target: "host", Ports: []uint16{22}, Config: cfg}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ssh", res.Ports[0].Service)
	assert.Empty(t, res.Ports[0].Banner)
}

func TestScan_ServiceDetectionDisabled(t *testing.T) {
	p := newStubProber(map[uint16]probe.Outcome{22: open()})
	det := &stubDetector{}
	cfg := testConfig()
	cfg.ServiceDetection = false
	o := newTestOrchestrator(p, WithServiceDetector(det))

	res, err := o.Scan(context.Background(), Request{Target: "host", Ports: []uint16{22}, Config: cfg}, nil)
	require.NoError(t, err)
	assert.Empty(t, det.ports)
	assert.Empty(t, res.Ports[0].Service)
}

func TestScan_OSFingerprint(t *testing.T) {
	ttl := uint8(57)
	p := newStubProber(map[uint16]probe.Outcome{
		22: {State: probe.StateOpen, Reason: probe.ReasonConnected, Responded: true, TTL: &ttl},
	})
	cfg := testConfig()
	cfg.OSDetection = true
	o := newTestOrchestrator(p)

	res, err := o.Scan(context.Background(), Request{Target: "host", Ports: []uint16{22}, Config: cfg}, nil)
	require.NoError(t, err)
	require.NotNil(t, res.OS)
	assert.Equal(t, "Linux/Unix", string(res.OS.Family))
	assert.Empty(t, res.OSError)

	p2 := newStubProber(map[uint16]probe.Outcome{22: open()})
	res, err = newTestOrchestrator(p2).Scan(context.Background(), Request{Target: "host", Ports: []uint16{22}, Config: cfg}, nil)
	require.NoError(t, err)
	assert.Nil(t, res.OS)
	assert.Contains(t, res.OSError, "insufficient data")
}

func newTestCache(t *testing.T) *cache.ResultCache {
	t.Helper()
	c, err := cache.New(store.NewMemoryStore(), cache.DefaultConfig(), cache.WithLogger(logging.Discard()))
	require.NoError(t, err)
	return c
}

func TestScan_CacheHitSkipsProbing(t *testing.T) {
	p := newStubProber(map[uint16]probe.Outcome{22: open()})
	rc := newTestCache(t)
	o := newTestOrchestrator(p, WithCache(rc))
	req := Request{Target: "10.0.0.5", Ports: []uint16{443, 22}, Config: testConfig()}

	first, err := o.Scan(context.Background(), req, nil)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	require.Equal(t, 2, p.totalCalls())

	req.Ports = []uint16{22, 443}
	sink := &recordingSink{}
	second, err := o.Scan(context.Background(), req, sink)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 2, p.totalCalls(), "cache hit must not probe")
	assert.Equal(t, first.Ports, second.Ports)
	assert.Equal(t, []events.Type{events.TypeInfo, events.TypeScanComplete}, sink.types())
	assert.EqualValues(t, 1, rc.Stats().Hits)
}

func TestScan_ForceBypassesCacheWithoutWriting(t *testing.T) {
	p := newStubProber(nil)
	rc := newTestCache(t)
	o := newTestOrchestrator(p, WithCache(rc))
	cfg := testConfig()
	cfg.Force = true
	req := Request{Target: "10.0.0.5", Ports: []uint16{22}, Config: cfg}

	for i := 0; i < 2; i++ {
		res, err := o.Scan(context.Background(), req, nil)
		require.NoError(t, err)
		assert.False(t, res.Cached)
	}
	assert.Equal(t, 2, p.totalCalls())
	assert.Zero(t, rc.Stats().Stores)
}

func TestScan_RateLimitedBeforeProbing(t *testing.T) {
	p := newStubProber(nil)
	cfg := ratelimit.DefaultConfig()
	cfg.ClientLimit = 1
	gate := ratelimit.New(store.NewMemoryStore(), cfg, ratelimit.WithLogger(logging.Discard()))
	o := newTestOrchestrator(p, WithRateGate(gate))
	req := Request{ClientID: "alice", Target: "host", Ports: []uint16{22}, Config: testConfig()}

	_, err := o.Scan(context.Background(), req, nil)
	require.NoError(t, err)

	sink := &recordingSink{}
	res, err := o.Scan(context.Background(), req, sink)
	require.Error(t, err)
	assert.Nil(t, res)

	var rl *errors.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, ratelimit.LayerClient, rl.Layer)
	assert.Positive(t, rl.RetryAfter)
	assert.Equal(t, 1, p.totalCalls())
	assert.Equal(t, []events.Type{events.TypeError}, sink.types())

	active, err := gate.ActiveScans(context.Background())
	require.NoError(t, err)
	assert.Zero(t, active, "slot released")
	assert.Zero(t, o.Tracker().Stats().Active)
}

func TestScan_PortCountLimit(t *testing.T) {
	cfg := ratelimit.DefaultConfig()
	cfg.MaxPorts = 2
	cfg.WarnPorts = 1
	gate := ratelimit.New(store.NewMemoryStore(), cfg, ratelimit.WithLogger(logging.Discard()))
	p := newStubProber(nil)
	o := newTestOrchestrator(p, WithRateGate(gate))

	_, err := o.Scan(context.Background(), Request{ClientID: "c", Target: "host", Ports: []uint16{1, 2, 3}, Config: testConfig()}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeRateLimited))
	assert.Zero(t, p.totalCalls())

	res, err := o.Scan(context.Background(), Request{ClientID: "c", Target: "host", Ports: []uint16{1, 2}, Config: testConfig()}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Warning)
}

func TestScan_Validation(t *testing.T) {
	o := newTestOrchestrator(newStubProber(nil))

	both := testConfig()
	both.Force = true
	both.RequireReachable = true

	noConc := testConfig()
	noConc.MaxConcurrent = 0

	tests := []struct {
		name string
		req  Request
		code errors.ErrorCode
	}{
		{"empty target", Request{Ports: []uint16{22}, Config: testConfig()}, errors.CodeTargetInvalid},
		{"no ports", Request{Target: "host", Config: testConfig()}, errors.CodeValidation},
		{"port zero", Request{Target: "host", Ports: []uint16{0}, Config: testConfig()}, errors.CodeValidation},
		{"force with require reachable", Request{Target: "host", Ports: []uint16{22}, Config: both}, errors.CodeValidation},
		{"zero concurrency", Request{Target: "host", Ports: []uint16{22}, Config: noConc}, errors.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Scan(context.Background(), tt.req, nil)
			assert.Equal(t, tt.code, errors.GetCode(err))
		})
	}
}

func TestScan_ResolveFailure(t *testing.T) {
	p := newStubProber(nil)
	o := newTestOrchestrator(p, WithResolver(func(_ context.Context, target string) (netip.Addr, error) {
		return netip.Addr{}, &errors.InvalidTargetError{Target: target, Reason: "no such host"}
	}))

	_, err := o.Scan(context.Background(), Request{Target: "nope.invalid", Ports: []uint16{22}, Config: testConfig()}, nil)
	var ite *errors.InvalidTargetError
	require.ErrorAs(t, err, &ite)
	assert.Zero(t, p.totalCalls())
}

func TestScan_RequireReachable(t *testing.T) {
	p := newStubProber(nil)
	var checked []uint16
	o := newTestOrchestrator(p, WithReachabilityCheck(func(_ context.Context, host netip.Addr, ports []uint16, _ time.Duration) error {
		checked = ports
		return errors.ErrHostUnreachable(host.String())
	}))
	cfg := testConfig()
	cfg.RequireReachable = true

	_, err := o.Scan(context.Background(), Request{Target: "host", Ports: []uint16{22, 80}, Config: cfg}, nil)
	assert.True(t, errors.IsCode(err, errors.CodeHostUnreachable))
	assert.Equal(t, []uint16{22, 80}, checked)
	assert.Zero(t, p.totalCalls())
}

func TestScan_CancellationReturnsPartialResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := newStubProber(map[uint16]probe.Outcome{22: open()})
	p.hook = func(ctx context.Context, port uint16) (probe.Outcome, bool) {
		if port == 31337 {
			cancel()
			return probe.Outcome{Err: context.Canceled}, true
		}
		return probe.Outcome{}, false
	}
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	rc := newTestCache(t)
	o := newTestOrchestrator(p, WithCache(rc))
	sink := &recordingSink{}

	res, err := o.Scan(ctx, Request{Target: "host", Ports: []uint16{22, 31337, 31338}, Config: cfg}, sink)
	require.NoError(t, err)
	assert.True(t, res.Incomplete)
	assert.Equal(t, []uint16{22}, portsOf(res.Ports))
	assert.Zero(t, rc.Stats().Stores, "incomplete results are not cached")

	types := sink.types()
	assert.Equal(t, events.TypeScanComplete, types[len(types)-1])
}

func TestScan_TimeoutCarriesPartialResult(t *testing.T) {
	p := newStubProber(map[uint16]probe.Outcome{22: open()})
	p.hook = func(ctx context.Context, port uint16) (probe.Outcome, bool) {
		if port == 31337 {
			<-ctx.Done()
			return probe.Outcome{Err: ctx.Err()}, true
		}
		return probe.Outcome{}, false
	}
	cfg := testConfig()
	cfg.ScanTimeout = 50 * time.Millisecond
	o := newTestOrchestrator(p)
	sink := &recordingSink{}

	res, err := o.Scan(context.Background(), Request{Target: "host", Ports: []uint16{22, 31337}, Config: cfg}, sink)
	var te *errors.ScanTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 50*time.Millisecond, te.Timeout)
	require.NotNil(t, res)
	assert.True(t, res.Incomplete)
	assert.Equal(t, []uint16{22}, portsOf(res.Ports))

	types := sink.types()
	assert.Equal(t, events.TypeError, types[len(types)-1])
}

func TestScan_EngineUnavailable(t *testing.T) {
	o := New(
		WithLogger(logging.Discard()),
		WithResolver(func(context.Context, string) (netip.Addr, error) { return testAddr, nil }),
	)
	cfg := testConfig()
	cfg.ScanType = probe.SYN

	_, err := o.Scan(context.Background(), Request{Target: "host", Ports: []uint16{22}, Config: cfg}, nil)
	assert.True(t, errors.IsCode(err, errors.CodePermission))
	assert.Zero(t, o.Tracker().Stats().Active)
}

func TestScan_CarriesScanContext(t *testing.T) {
	var seen logging.ScanContext
	p := newStubProber(nil)
	p.hook = func(ctx context.Context, _ uint16) (probe.Outcome, bool) {
		seen, _ = logging.FromContext(ctx)
		return probe.Outcome{}, false
	}
	o := newTestOrchestrator(p)
	ctx := logging.NewContext(context.Background(), logging.ScanContext{TraceID: "trace-1"})

	res, err := o.Scan(ctx, Request{ScanID: "scan-1", Target: "host", Ports: []uint16{22}, Config: testConfig()}, nil)
	require.NoError(t, err)
	assert.Equal(t, "scan-1", res.ScanID)
	assert.Equal(t, logging.ScanContext{ScanID: "scan-1", TraceID: "trace-1"}, seen)
}

func TestScan_Metrics(t *testing.T) {
	ctrl := gomock.NewController(t)
	rec := metricsmocks.NewMockRecorder(ctrl)
	p := newStubProber(map[uint16]probe.Outcome{22: open()})
	o := newTestOrchestrator(p, WithMetrics(rec))
	cfg := testConfig()
	cfg.AdaptiveScanning = false

	gomock.InOrder(
		rec.EXPECT().ScanStarted(),
		rec.EXPECT().ScanEnded(),
		rec.EXPECT().ScanFinished("connect", statusSuccess, gomock.Any()),
	)
	rec.EXPECT().PortsScanned("connect", "open", 1)
	rec.EXPECT().PortsScanned("connect", "closed", 1)

	_, err := o.Scan(context.Background(), Request{Target: "host", Ports: []uint16{22, 23}, Config: cfg}, nil)
	require.NoError(t, err)

	rec.EXPECT().ScanFinished("connect", statusRejected, gomock.Any())
	_, err = o.Scan(context.Background(), Request{Target: "", Ports: []uint16{22}, Config: cfg}, nil)
	require.Error(t, err)
}

func TestScanSync_UsesDefaults(t *testing.T) {
	p := newStubProber(nil)
	defaults := testConfig()
	defaults.ServiceDetection = false
	o := newTestOrchestrator(p, WithDefaults(defaults))

	res, err := o.ScanSync(Request{Target: "host", Ports: []uint16{22}})
	require.NoError(t, err)
	assert.Len(t, res.Ports, 1)
	assert.Equal(t, defaults, o.Defaults())
}

func TestScan_ErrorOutcomeDoesNotAbort(t *testing.T) {
	p := newStubProber(map[uint16]probe.Outcome{
		22: {State: probe.StateError, Reason: "socket: too many open files"},
		80: open(),
	})
	o := newTestOrchestrator(p)

	res, err := o.Scan(context.Background(), Request{Target: "host", Ports: []uint16{22, 80}, Config: testConfig()}, nil)
	require.NoError(t, err)
	require.Len(t, res.Ports, 2)
	assert.Equal(t, probe.StateError, res.Ports[0].State)
	assert.Equal(t, probe.StateOpen, res.Ports[1].State)
}

func TestScan_ContextAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := newStubProber(nil)
	o := newTestOrchestrator(p)

	res, err := o.Scan(ctx, Request{Target: "host", Ports: []uint16{22}, Config: testConfig()}, nil)
	if err != nil {
		assert.True(t, stderrors.Is(err, context.Canceled))
		return
	}
	assert.True(t, res.Incomplete)
	assert.Empty(t, res.Ports)
}

func TestScan_PacingPastTimeoutIsIncompleteAndNotCached(t *testing.T) {
	p := newStubProber(map[uint16]probe.Outcome{22: open()})
	rc := newTestCache(t)
	o := newTestOrchestrator(p,
		WithCache(rc),
		WithEngineOptions(probe.WithProber(p), probe.WithPacketRate(1, 1), probe.WithLogger(logging.Discard())))
	cfg := testConfig()
	cfg.ScanTimeout = 100 * time.Millisecond
	cfg.AdaptiveScanning = false

	res, err := o.Scan(context.Background(), Request{Target: "host", Ports: []uint16{22, 80}, Config: cfg}, nil)
	var te *errors.ScanTimeoutError
	require.ErrorAs(t, err, &te)
	require.NotNil(t, res)
	assert.True(t, res.Incomplete)
	assert.Equal(t, []uint16{22}, portsOf(res.Ports))
	assert.Equal(t, 1, p.totalCalls())
	assert.Zero(t, rc.Stats().Stores)
}

func TestScan_PortFailureBecomesErrorResult(t *testing.T) {
	p := newStubProber(map[uint16]probe.Outcome{80: open()})
	p.hook = func(_ context.Context, port uint16) (probe.Outcome, bool) {
		if port == 22 {
			return probe.Outcome{Err: stderrors.New("no buffer space available")}, true
		}
		return probe.Outcome{}, false
	}
	rc := newTestCache(t)
	o := newTestOrchestrator(p, WithCache(rc))

	res, err := o.Scan(context.Background(), Request{Target: "host", Ports: []uint16{22, 80}, Config: testConfig()}, nil)
	require.NoError(t, err)
	assert.False(t, res.Incomplete)
	require.Len(t, res.Ports, 2)
	assert.Equal(t, probe.StateError, res.Ports[0].State)
	assert.Contains(t, res.Ports[0].Reason, "no buffer space")
	assert.Equal(t, probe.StateOpen, res.Ports[1].State)
}

func TestScan_CacheIsPerScanProfile(t *testing.T) {
	p := newStubProber(map[uint16]probe.Outcome{53: open()})
	rc := newTestCache(t)
	o := newTestOrchestrator(p, WithCache(rc))
	req := Request{Target: "10.0.0.5", Ports: []uint16{53}, Config: testConfig()}

	first, err := o.Scan(context.Background(), req, nil)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	udp := req
	udp.Config.ScanType = probe.UDPScan
	second, err := o.Scan(context.Background(), udp, nil)
	require.NoError(t, err)
	assert.False(t, second.Cached, "connect results must not answer a udp scan")
	assert.Equal(t, probe.UDP, second.Ports[0].Protocol)

	plain := req
	plain.Config.ServiceDetection = false
	third, err := o.Scan(context.Background(), plain, nil)
	require.NoError(t, err)
	assert.False(t, third.Cached)

	again, err := o.Scan(context.Background(), req, nil)
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, 3, p.totalCalls())
}

func TestAdmit_OneAdmissionCoversSeveralAttempts(t *testing.T) {
	p := newStubProber(nil)
	cfg := ratelimit.DefaultConfig()
	cfg.ClientLimit = 1
	gate := ratelimit.New(store.NewMemoryStore(), cfg, ratelimit.WithLogger(logging.Discard()))
	o := newTestOrchestrator(p, WithRateGate(gate))
	req := Request{ScanID: "s1", ClientID: "alice", Target: "host", Ports: []uint16{22}, Config: testConfig()}
	ctx := context.Background()

	adm, err := o.Admit(ctx, req)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := o.ScanAdmitted(ctx, req, adm, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, p.totalCalls())

	active, err := gate.ActiveScans(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, active, "slot held until release")

	adm.Release()
	adm.Release()
	active, err = gate.ActiveScans(ctx)
	require.NoError(t, err)
	assert.Zero(t, active)

	_, err = o.Admit(ctx, req)
	assert.True(t, errors.IsCode(err, errors.CodeRateLimited), "the single quota entry is spent")
}
