package probe

import (
	"context"
	"net/netip"
	"time"

	"github.com/anstrom/portgate/internal/rawsock"
)

// rawProber sends one crafted segment per attempt.
type rawProber struct {
	scanType ScanType
	flags    rawsock.Flags
	x        Exchanger
}

func newRawProber(t ScanType, x Exchanger) rawProber {
	var flags rawsock.Flags
	switch t {
	case SYN:
		flags = rawsock.SYN
	case FIN:
		flags = rawsock.FIN
	case XMAS:
		flags = rawsock.FIN | rawsock.PSH | rawsock.URG
	case NULL:
		flags = 0
	}
	return rawProber{scanType: t, flags: flags, x: x}
}

func (p rawProber) Probe(ctx context.Context, host netip.Addr, port uint16, timeout time.Duration) Outcome {
	reply, ok, err := p.x.Exchange(ctx, host, port, p.flags, timeout)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Err: ctx.Err()}
		}
		return Outcome{State: StateError, Reason: err.Error()}
	}

	if !ok {
		// SYN scans read silence as a firewall; the stealth scans cannot
		// distinguish open from filtered and report open with the reason.
		if p.scanType == SYN {
			return Outcome{State: StateFiltered, Reason: ReasonNoResponse}
		}
		return Outcome{State: StateOpen, Reason: ReasonNoResponse}
	}

	out := Outcome{Responded: true, TTL: &reply.TTL}
	if reply.Window > 0 {
		w := uint32(reply.Window)
		out.Window = &w
	}

	switch {
	case reply.Flags.Has(rawsock.RST):
		out.State, out.Reason = StateClosed, ReasonReset
	case p.scanType == SYN && reply.Flags.Has(rawsock.SYN|rawsock.ACK):
		out.State, out.Reason = StateOpen, ReasonSynAck
	default:
		out.State, out.Reason = StateOpen, ReasonResponse
	}
	return out
}
