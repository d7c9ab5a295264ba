package probe

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scanerrors "github.com/anstrom/portgate/internal/errors"
	"github.com/anstrom/portgate/internal/logging"
	"github.com/anstrom/portgate/internal/rawsock"
)

var loopback = netip.MustParseAddr("127.0.0.1")

type stubProber struct {
	out   Outcome
	calls int
}

func (p *stubProber) Probe(context.Context, netip.Addr, uint16, time.Duration) Outcome {
	p.calls++
	return p.out
}

type attempts struct {
	mu      sync.Mutex
	ok, bad int
}

func (a *attempts) RecordAttempt(success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if success {
		a.ok++
	} else {
		a.bad++
	}
}

// fakeExchanger answers raw probes from a port -> reply table.
type fakeExchanger struct {
	replies map[uint16]rawsock.Reply
	sent    []rawsock.Flags
	err     error
}

func (f *fakeExchanger) Exchange(_ context.Context, _ netip.Addr, port uint16, flags rawsock.Flags, _ time.Duration) (rawsock.Reply, bool, error) {
	f.sent = append(f.sent, flags)
	if f.err != nil {
		return rawsock.Reply{}, false, f.err
	}
	r, ok := f.replies[port]
	return r, ok, nil
}

func TestParseScanType(t *testing.T) {
	tests := []struct {
		in   string
		want ScanType
	}{
		{"connect", TCPConnect},
		{"tcp", TCPConnect},
		{"", TCPConnect},
		{"SYN", SYN},
		{" fin ", FIN},
		{"null", NULL},
		{"xmas", XMAS},
		{"udp", UDPScan},
	}
	for _, tt := range tests {
		got, err := ParseScanType(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseScanType("ack")
	assert.Error(t, err)
}

func TestScanTypeProperties(t *testing.T) {
	assert.Equal(t, "xmas", XMAS.String())
	assert.Equal(t, UDP, UDPScan.Protocol())
	assert.Equal(t, TCP, SYN.Protocol())
	assert.True(t, NULL.RequiresRaw())
	assert.False(t, TCPConnect.RequiresRaw())
	assert.False(t, UDPScan.RequiresRaw())

	b, err := FIN.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "fin", string(b))

	var st ScanType
	require.NoError(t, st.UnmarshalText([]byte("udp")))
	assert.Equal(t, UDPScan, st)
}

func TestMachine(t *testing.T) {
	m := machine{port: 1, state: StatePending}
	assert.Error(t, m.advance(StateOpen), "cannot skip probing")
	require.NoError(t, m.advance(StateProbing))
	assert.Error(t, m.advance(StatePending))
	require.NoError(t, m.advance(StateClosed))
	assert.Error(t, m.advance(StateOpen), "terminal states are final")
}

func TestEngineRun_BuildsResultAndRecordsAttempt(t *testing.T) {
	ttl := uint8(64)
	p := &stubProber{out: Outcome{State: StateOpen, Reason: ReasonSynAck, Responded: true, TTL: &ttl}}
	e, err := NewEngine(SYN, WithProber(p), WithLogger(logging.Discard()))
	require.NoError(t, err)

	rec := &attempts{}
	r, err := e.Run(context.Background(), loopback, 22, time.Second, rec)
	require.NoError(t, err)

	assert.Equal(t, PortResult{Port: 22, Protocol: TCP, State: StateOpen, Reason: ReasonSynAck, TTL: &ttl}, r)
	assert.Equal(t, 1, rec.ok)
}

func TestEngineRun_FailuresFeedAdaptiveSignal(t *testing.T) {
	p := &stubProber{out: Outcome{State: StateFiltered, Reason: ReasonTimeout}}
	e, err := NewEngine(TCPConnect, WithProber(p))
	require.NoError(t, err)

	rec := &attempts{}
	r, err := e.Run(context.Background(), loopback, 80, time.Second, rec)
	require.NoError(t, err)
	assert.Equal(t, StateFiltered, r.State)
	assert.Equal(t, 1, rec.bad)
}

func TestEngineRun_NonTerminalOutcomeBecomesError(t *testing.T) {
	p := &stubProber{out: Outcome{State: StateProbing}}
	e, err := NewEngine(TCPConnect, WithProber(p), WithLogger(logging.Discard()))
	require.NoError(t, err)

	r, err := e.Run(context.Background(), loopback, 80, time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, StateError, r.State)
	assert.NotEmpty(t, r.Reason)
}

func TestEngineRun_CanceledContext(t *testing.T) {
	p := &stubProber{out: Outcome{State: StateOpen}}
	e, err := NewEngine(TCPConnect, WithProber(p))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Run(ctx, loopback, 80, time.Second, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, p.calls)
}

func TestEngineRun_Paced(t *testing.T) {
	p := &stubProber{out: Outcome{State: StateClosed, Responded: true}}
	e, err := NewEngine(TCPConnect, WithProber(p), WithPacketRate(20, 1))
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := e.Run(context.Background(), loopback, uint16(i+1), time.Second, nil)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestEngineRun_PacingPastDeadlineWaitsForContext(t *testing.T) {
	p := &stubProber{out: Outcome{State: StateClosed, Responded: true}}
	e, err := NewEngine(TCPConnect, WithProber(p), WithPacketRate(1, 1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = e.Run(ctx, loopback, 1, time.Second, nil)
	require.NoError(t, err)

	// The next token is a second away, past the deadline.
	start := time.Now()
	_, err = e.Run(ctx, loopback, 2, time.Second, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotNil(t, ctx.Err(), "run returns only once ctx has ended")
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, 1, p.calls)
}

func TestNewEngine_RawNeedsSocket(t *testing.T) {
	for _, st := range []ScanType{SYN, FIN, NULL, XMAS} {
		_, err := NewEngine(st)
		require.Error(t, err, st.String())
		assert.True(t, scanerrors.IsCode(err, scanerrors.CodePermission))
	}
}

func TestRawProber_Classification(t *testing.T) {
	x := &fakeExchanger{replies: map[uint16]rawsock.Reply{
		22: {Flags: rawsock.SYN | rawsock.ACK, TTL: 63, Window: 64240},
		23: {Flags: rawsock.RST | rawsock.ACK, TTL: 127},
	}}

	tests := []struct {
		scanType ScanType
		port     uint16
		state    State
		reason   string
	}{
		{SYN, 22, StateOpen, ReasonSynAck},
		{SYN, 23, StateClosed, ReasonReset},
		{SYN, 24, StateFiltered, ReasonNoResponse},
		{FIN, 23, StateClosed, ReasonReset},
		{FIN, 24, StateOpen, ReasonNoResponse},
		{NULL, 24, StateOpen, ReasonNoResponse},
		{XMAS, 24, StateOpen, ReasonNoResponse},
		{XMAS, 23, StateClosed, ReasonReset},
	}

	for _, tt := range tests {
		t.Run(tt.scanType.String(), func(t *testing.T) {
			e, err := NewEngine(tt.scanType, WithRawSocket(x))
			require.NoError(t, err)

			r, err := e.Run(context.Background(), loopback, tt.port, time.Second, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.state, r.State)
			assert.Equal(t, tt.reason, r.Reason)
		})
	}
}

func TestRawProber_AmbiguityPreserved(t *testing.T) {
	x := &fakeExchanger{}
	e, err := NewEngine(FIN, WithRawSocket(x))
	require.NoError(t, err)

	r, err := e.Run(context.Background(), loopback, 8080, time.Second, nil)
	require.NoError(t, err)
	assert.True(t, r.OpenFiltered())
	assert.Equal(t, "open|filtered", r.DisplayState())
	assert.False(t, r.HasFingerprint())
}

func TestRawProber_CarriesFingerprint(t *testing.T) {
	x := &fakeExchanger{replies: map[uint16]rawsock.Reply{
		22: {Flags: rawsock.SYN | rawsock.ACK, TTL: 63, Window: 64240},
	}}
	e, err := NewEngine(SYN, WithRawSocket(x))
	require.NoError(t, err)

	r, err := e.Run(context.Background(), loopback, 22, time.Second, nil)
	require.NoError(t, err)
	require.NotNil(t, r.TTL)
	require.NotNil(t, r.WindowSize)
	assert.EqualValues(t, 63, *r.TTL)
	assert.EqualValues(t, 64240, *r.WindowSize)
}

func TestRawProber_FlagSets(t *testing.T) {
	want := map[ScanType]rawsock.Flags{
		SYN:  rawsock.SYN,
		FIN:  rawsock.FIN,
		NULL: 0,
		XMAS: rawsock.FIN | rawsock.PSH | rawsock.URG,
	}
	for st, flags := range want {
		x := &fakeExchanger{}
		e, err := NewEngine(st, WithRawSocket(x))
		require.NoError(t, err)
		_, err = e.Run(context.Background(), loopback, 1, time.Millisecond, nil)
		require.NoError(t, err)
		assert.Equal(t, []rawsock.Flags{flags}, x.sent, st.String())
	}
}

func TestRawProber_TransportError(t *testing.T) {
	x := &fakeExchanger{err: errors.New("sendto: no buffer space")}
	e, err := NewEngine(SYN, WithRawSocket(x))
	require.NoError(t, err)

	rec := &attempts{}
	r, err := e.Run(context.Background(), loopback, 22, time.Second, rec)
	require.NoError(t, err)
	assert.Equal(t, StateError, r.State)
	assert.Equal(t, 1, rec.bad)
}

// freePort returns a loopback port nothing listens on.
func freePort(t *testing.T, network string) uint16 {
	t.Helper()
	switch network {
	case "tcp":
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := l.Addr().(*net.TCPAddr).Port
		require.NoError(t, l.Close())
		return uint16(port)
	default:
		c, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		port := c.LocalAddr().(*net.UDPAddr).Port
		require.NoError(t, c.Close())
		return uint16(port)
	}
}

func TestConnectProber(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	open := uint16(l.Addr().(*net.TCPAddr).Port)
	closed := freePort(t, "tcp")

	e, err := NewEngine(TCPConnect)
	require.NoError(t, err)
	rec := &attempts{}

	r, err := e.Run(context.Background(), loopback, open, time.Second, rec)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, r.State)
	assert.Equal(t, ReasonConnected, r.Reason)
	assert.Equal(t, TCP, r.Protocol)

	r, err = e.Run(context.Background(), loopback, closed, time.Second, rec)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, r.State)
	assert.Equal(t, ReasonConnRefused, r.Reason)

	assert.Equal(t, 2, rec.ok, "refused is still a transport answer")
}

func TestUDPProber(t *testing.T) {
	echo, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echo.Close()
	go func() {
		buf := make([]byte, 512)
		for {
			n, addr, err := echo.ReadFrom(buf)
			if err != nil {
				return
			}
			_, _ = echo.WriteTo(append([]byte("pong:"), buf[:n]...), addr)
		}
	}()

	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	e, err := NewEngine(UDPScan)
	require.NoError(t, err)

	r, err := e.Run(context.Background(), loopback, uint16(echo.LocalAddr().(*net.UDPAddr).Port), time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, r.State)
	assert.Equal(t, ReasonUDPResponse, r.Reason)
	assert.Equal(t, UDP, r.Protocol)

	r, err = e.Run(context.Background(), loopback, uint16(silent.LocalAddr().(*net.UDPAddr).Port), 200*time.Millisecond, nil)
	require.NoError(t, err)
	assert.True(t, r.OpenFiltered())

	r, err = e.Run(context.Background(), loopback, freePort(t, "udp"), time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, r.State)
	assert.Equal(t, ReasonPortUnreach, r.Reason)
}

func TestCheckReachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := uint16(l.Addr().(*net.TCPAddr).Port)

	require.NoError(t, CheckReachable(context.Background(), loopback, []uint16{port}, 500*time.Millisecond))

	// TEST-NET-1 never answers
	err = CheckReachable(context.Background(), netip.MustParseAddr("192.0.2.1"), []uint16{80}, 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, scanerrors.IsCode(err, scanerrors.CodeHostUnreachable))
}

func TestReachabilityCandidates(t *testing.T) {
	got := reachabilityCandidates([]uint16{8080, 80, 9000, 9001})
	assert.Equal(t, []uint16{8080, 80, 9000, 443, 22, 445, 3389}, got)
}

func TestResolve(t *testing.T) {
	addr, err := Resolve(context.Background(), "10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.1.2.3"), addr)

	addr, err = Resolve(context.Background(), "localhost")
	require.NoError(t, err)
	assert.True(t, addr.IsLoopback())

	_, err = Resolve(context.Background(), "  ")
	var invalid *scanerrors.InvalidTargetError
	assert.ErrorAs(t, err, &invalid)
}
