package rawsock

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/ipv4"

	"github.com/anstrom/portgate/internal/errors"
	"github.com/anstrom/portgate/internal/logging"
)

// ErrClosed is returned by Exchange after Close.
var ErrClosed = stderrors.New("raw socket closed")

const (
	ephemeralBase = 40000
	ephemeralSpan = 20000
	readBuffer    = 1500
	sourceCache   = 1024
)

type flowKey struct {
	remote     netip.Addr
	remotePort uint16
	localPort  uint16
}

// Socket sends probe segments over a raw IPv4 socket and routes replies
// back to the waiting Exchange call by (remote addr, remote port, local port).
type Socket struct {
	conn   *ipv4.RawConn
	logger *logging.Logger

	mu      sync.Mutex
	pending map[flowKey]chan Reply
	sources *lru.Cache[netip.Addr, netip.Addr]

	port      atomic.Uint32
	closed    chan struct{}
	closeOnce sync.Once
}

// Open creates the raw socket and starts the receive loop.
func Open(logger *logging.Logger) (*Socket, error) {
	pc, err := net.ListenPacket("ip4:tcp", "0.0.0.0")
	if err != nil {
		if stderrors.Is(err, os.ErrPermission) || stderrors.Is(err, syscall.EPERM) {
			return nil, errors.WrapScanError(errors.CodePermission,
				"raw scan types need CAP_NET_RAW or root", err)
		}
		return nil, fmt.Errorf("open raw socket: %w", err)
	}
	rc, err := ipv4.NewRawConn(pc)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("wrap raw socket: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	sources, err := lru.New[netip.Addr, netip.Addr](sourceCache)
	if err != nil {
		_ = rc.Close()
		return nil, err
	}

	s := &Socket{
		conn:    rc,
		logger:  logger.WithComponent("rawsock"),
		pending: make(map[flowKey]chan Reply),
		sources: sources,
		closed:  make(chan struct{}),
	}
	s.port.Store(uint32(rand.IntN(ephemeralSpan)))
	go s.readLoop()
	return s, nil
}

// Exchange sends one segment with the given flags to dst:dstPort and waits up
// to timeout for the matching reply. A false second result means nothing came
// back in time.
func (s *Socket) Exchange(ctx context.Context, dst netip.Addr, dstPort uint16,
	flags Flags, timeout time.Duration) (Reply, bool, error) {
	select {
	case <-s.closed:
		return Reply{}, false, ErrClosed
	default:
	}

	src, err := s.sourceFor(dst)
	if err != nil {
		return Reply{}, false, err
	}

	localPort := s.nextPort()
	key := flowKey{remote: dst, remotePort: dstPort, localPort: localPort}
	ch := make(chan Reply, 1)
	s.mu.Lock()
	s.pending[key] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
	}()

	seg, err := BuildSegment(Segment{
		Src: src, Dst: dst,
		SrcPort: localPort, DstPort: dstPort,
		Flags: flags,
		Seq:   rand.Uint32(),
	})
	if err != nil {
		return Reply{}, false, err
	}

	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(seg),
		TTL:      64,
		Protocol: syscall.IPPROTO_TCP,
		Src:      src.AsSlice(),
		Dst:      dst.AsSlice(),
	}
	if err := s.conn.WriteTo(h, seg, nil); err != nil {
		return Reply{}, false, fmt.Errorf("send %s to %s:%d: %w", flags, dst, dstPort, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r, true, nil
	case <-timer.C:
		return Reply{}, false, nil
	case <-ctx.Done():
		return Reply{}, false, ctx.Err()
	case <-s.closed:
		return Reply{}, false, ErrClosed
	}
}

// Close stops the receive loop and releases the socket.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func (s *Socket) nextPort() uint16 {
	n := s.port.Add(1)
	return uint16(ephemeralBase + n%ephemeralSpan)
}

// sourceFor asks the routing table which local address reaches dst.
func (s *Socket) sourceFor(dst netip.Addr) (netip.Addr, error) {
	if !dst.Is4() {
		return netip.Addr{}, &errors.InvalidTargetError{Target: dst.String(), Reason: "raw scan types support IPv4 only"}
	}

	if src, ok := s.sources.Get(dst); ok {
		return src, nil
	}

	c, err := net.Dial("udp4", netip.AddrPortFrom(dst, 9).String())
	if err != nil {
		return netip.Addr{}, errors.WrapScanErrorWithTarget(errors.CodeNetworkUnreachable,
			"no route to target", dst.String(), err)
	}
	defer c.Close()

	local := c.LocalAddr().(*net.UDPAddr).AddrPort().Addr().Unmap()
	s.sources.Add(dst, local)
	return local, nil
}

func (s *Socket) readLoop() {
	buf := make([]byte, readBuffer)
	for {
		h, payload, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if stderrors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("raw read failed", "error", err)
			continue
		}

		r, err := ParseReply(h, payload)
		if err != nil {
			continue
		}

		key := flowKey{remote: r.Src, remotePort: r.SrcPort, localPort: r.DstPort}
		s.mu.Lock()
		ch, ok := s.pending[key]
		s.mu.Unlock()
		if ok {
			select {
			case ch <- r:
			default:
			}
		}
	}
}
