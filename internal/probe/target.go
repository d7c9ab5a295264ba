package probe

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anstrom/portgate/internal/errors"
)

// reachabilityPorts are tried in addition to the first requested ports.
var reachabilityPorts = []uint16{80, 443, 22, 445, 3389}

const maxReachabilityProbes = 8

// Resolve turns target into an address, preferring IPv4 so raw scan types
// can use it.
func Resolve(ctx context.Context, target string) (netip.Addr, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return netip.Addr{}, &errors.InvalidTargetError{Target: target, Reason: "empty target"}
	}
	if addr, err := netip.ParseAddr(target); err == nil {
		return addr.Unmap(), nil
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", target)
	if err != nil {
		return netip.Addr{}, &errors.InvalidTargetError{Target: target, Reason: err.Error()}
	}
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap(), nil
		}
	}
	if len(addrs) == 0 {
		return netip.Addr{}, &errors.InvalidTargetError{Target: target, Reason: "no addresses"}
	}
	return addrs[0], nil
}

// CheckReachable connect-probes a handful of ports in parallel. Any answer,
// connected or refused, proves the host is up.
func CheckReachable(ctx context.Context, host netip.Addr, ports []uint16, timeout time.Duration) error {
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var reached atomic.Bool
	var g errgroup.Group
	for _, port := range reachabilityCandidates(ports) {
		g.Go(func() error {
			if (connectProber{}).Probe(probeCtx, host, port, timeout).Responded {
				reached.Store(true)
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()

	if reached.Load() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.ErrHostUnreachable(host.String())
}

func reachabilityCandidates(requested []uint16) []uint16 {
	seen := make(map[uint16]struct{}, maxReachabilityProbes)
	var out []uint16
	add := func(p uint16) {
		if _, ok := seen[p]; ok || len(out) >= maxReachabilityProbes {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, p := range requested[:min(len(requested), 3)] {
		add(p)
	}
	for _, p := range reachabilityPorts {
		add(p)
	}
	return out
}
