package probe

import (
	"context"
	stderrors "errors"
	"net"
	"net/netip"
	"syscall"
	"time"
)

// connectProber completes a full TCP handshake.
type connectProber struct{}

func (connectProber) Probe(ctx context.Context, host netip.Addr, port uint16, timeout time.Duration) Outcome {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", netip.AddrPortFrom(host, port).String())
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Err: ctx.Err()}
		}
		return classifyDialError(err)
	}
	defer conn.Close()

	return Outcome{
		State:     StateOpen,
		Reason:    ReasonConnected,
		Responded: true,
		Window:    tcpWindow(conn),
	}
}

func classifyDialError(err error) Outcome {
	var netErr net.Error
	switch {
	case stderrors.Is(err, syscall.ECONNREFUSED), stderrors.Is(err, syscall.ECONNRESET):
		return Outcome{State: StateClosed, Reason: ReasonConnRefused, Responded: true}
	case stderrors.As(err, &netErr) && netErr.Timeout():
		return Outcome{State: StateFiltered, Reason: ReasonTimeout}
	case stderrors.Is(err, syscall.EHOSTUNREACH), stderrors.Is(err, syscall.ENETUNREACH):
		return Outcome{State: StateFiltered, Reason: ReasonHostUnreach}
	default:
		return Outcome{State: StateError, Reason: err.Error()}
	}
}
