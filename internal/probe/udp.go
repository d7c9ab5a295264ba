package probe

import (
	"context"
	stderrors "errors"
	"net"
	"net/netip"
	"syscall"
	"time"
)

const udpReadBuffer = 2048

// udpProber sends a protocol payload (or an empty datagram) on a connected
// socket so ICMP port-unreachable surfaces as ECONNREFUSED.
type udpProber struct{}

func (udpProber) Probe(ctx context.Context, host netip.Addr, port uint16, timeout time.Duration) Outcome {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "udp", netip.AddrPortFrom(host, port).String())
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Err: ctx.Err()}
		}
		return classifyDialError(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	payload := payloadFor(port)
	var request []byte
	if payload != nil {
		if request, err = payload.build(); err != nil {
			return Outcome{State: StateError, Reason: err.Error()}
		}
	}
	if _, err := conn.Write(request); err != nil {
		return classifyUDPError(ctx, err)
	}

	buf := make([]byte, udpReadBuffer)
	n, err := conn.Read(buf)
	if err != nil {
		return classifyUDPError(ctx, err)
	}

	out := Outcome{State: StateOpen, Reason: ReasonUDPResponse, Responded: true}
	if payload != nil {
		if version, ok := payload.match(request, buf[:n]); ok {
			out.Service = payload.service
			out.Version = version
			out.Confidence = payload.confidence
		}
	}
	return out
}

func classifyUDPError(ctx context.Context, err error) Outcome {
	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		return Outcome{Err: ctx.Err()}
	case stderrors.Is(err, syscall.ECONNREFUSED):
		return Outcome{State: StateClosed, Reason: ReasonPortUnreach, Responded: true}
	case stderrors.As(err, &netErr) && netErr.Timeout():
		return Outcome{State: StateOpen, Reason: ReasonNoResponse}
	case stderrors.Is(err, syscall.EHOSTUNREACH), stderrors.Is(err, syscall.ENETUNREACH):
		return Outcome{State: StateFiltered, Reason: ReasonHostUnreach}
	default:
		return Outcome{State: StateError, Reason: err.Error()}
	}
}
