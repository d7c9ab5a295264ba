// Package service identifies what is listening on an open TCP port by
// sending a small set of protocol probes and scoring the replies.
package service

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"time"
	"unicode"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/anstrom/portgate/internal/logging"
)

const (
	// confirmed short-circuits the probe loop.
	confirmed       = 0.8
	unknownScore    = 0.5
	portBasedScore  = 0.3
	readLimit       = 4096
	maxBannerLength = 256

	defaultMemoSize = 4096
	defaultMemoTTL  = 5 * time.Minute
)

// Detection methods.
const (
	MethodPortBased = "port-based"
	MethodNone      = "none"
)

// Match is the detector's verdict for one port.
type Match struct {
	Service    string  `json:"service"`
	Version    string  `json:"version,omitempty"`
	Banner     string  `json:"banner,omitempty"`
	Confidence float64 `json:"confidence"`
	Method     string  `json:"method"`
}

// DialFunc opens a connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Detector runs the probe table against open ports.
type Detector struct {
	dial   DialFunc
	memo   *expirable.LRU[netip.AddrPort, Match]
	logger *logging.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithDialer replaces the TCP dialer.
func WithDialer(dial DialFunc) Option {
	return func(d *Detector) { d.dial = dial }
}

// WithMemo keeps confirmed matches for ttl. A size of zero disables it.
func WithMemo(size int, ttl time.Duration) Option {
	return func(d *Detector) {
		if size <= 0 {
			d.memo = nil
			return
		}
		d.memo = expirable.NewLRU[netip.AddrPort, Match](size, nil, ttl)
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// New creates a Detector.
func New(opts ...Option) *Detector {
	var dialer net.Dialer
	d := &Detector{
		dial:   dialer.DialContext,
		memo:   expirable.NewLRU[netip.AddrPort, Match](defaultMemoSize, nil, defaultMemoTTL),
		logger: logging.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithComponent("service")
	return d
}

// Detect probes host:port. Probes registered for the port run first and the
// loop stops at the first match above 0.8. When nothing answers, the port
// table supplies a low-confidence guess.
func (d *Detector) Detect(ctx context.Context, host netip.Addr, port uint16, timeout time.Duration) Match {
	addr := netip.AddrPortFrom(host, port)
	if d.memo != nil {
		if m, ok := d.memo.Get(addr); ok {
			return m
		}
	}

	var best Match
	responded := false
	for _, p := range orderProbes(port) {
		if ctx.Err() != nil {
			break
		}
		resp, err := d.exchange(ctx, addr, p, timeout)
		if err != nil {
			d.logger.Debug("probe failed", "probe", p.name, "addr", addr, "error", err)
		}
		if len(resp) == 0 {
			continue
		}
		responded = true

		m := evaluate(p, resp, port)
		if m.Confidence > best.Confidence {
			best = m
		}
		if best.Confidence > confirmed {
			break
		}
	}

	if !responded {
		return ByPort(port)
	}
	if best.Confidence > confirmed && d.memo != nil {
		d.memo.Add(addr, best)
	}
	return best
}

func (d *Detector) exchange(ctx context.Context, addr netip.AddrPort, p probe, timeout time.Duration) ([]byte, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := d.dial(dialCtx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	if p.payload != nil {
		if _, err := conn.Write(p.payload(addr.Addr().String())); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, readLimit)
	n, err := conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

// evaluate scores resp, preferring the probe's own signature, then the
// generic ones, then a bare "something answered".
func evaluate(p probe, resp []byte, port uint16) Match {
	best := Match{Service: serviceName(port), Confidence: unknownScore}
	if p.match != nil {
		if m, ok := p.match(resp); ok && m.Confidence > best.Confidence {
			best = m
		}
	}
	for _, sig := range signatures {
		if m, ok := sig(resp); ok && m.Confidence > best.Confidence {
			best = m
		}
	}
	best.Method = "probe:" + p.name
	best.Banner = banner(resp)
	return best
}

// ByPort guesses from the well-known port table.
func ByPort(port uint16) Match {
	if name, ok := wellKnown[port]; ok {
		return Match{Service: name, Confidence: portBasedScore, Method: MethodPortBased}
	}
	return Match{Method: MethodNone}
}

func serviceName(port uint16) string {
	if name, ok := wellKnown[port]; ok {
		return name
	}
	return "unknown"
}

// banner returns the first line of a mostly printable response.
func banner(resp []byte) string {
	line := strings.TrimSpace(firstLine(resp))
	if line == "" {
		return ""
	}
	printable := 0
	for _, r := range line {
		if unicode.IsPrint(r) {
			printable++
		}
	}
	if printable*10 < len([]rune(line))*8 {
		return ""
	}
	if len(line) > maxBannerLength {
		line = line[:maxBannerLength]
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return '.'
	}, line)
}

var wellKnown = map[uint16]string{
	20: "ftp-data", 21: "ftp", 22: "ssh", 23: "telnet", 25: "smtp",
	53: "dns", 67: "dhcp", 69: "tftp", 80: "http", 88: "kerberos",
	110: "pop3", 111: "rpcbind", 123: "ntp", 135: "msrpc", 137: "netbios-ns",
	139: "netbios-ssn", 143: "imap", 161: "snmp", 389: "ldap", 443: "https",
	445: "microsoft-ds", 465: "smtps", 514: "syslog", 587: "submission",
	636: "ldaps", 873: "rsync", 993: "imaps", 995: "pop3s", 1080: "socks",
	1433: "mssql", 1521: "oracle", 1883: "mqtt", 2049: "nfs", 2375: "docker",
	3000: "http-alt", 3306: "mysql", 3389: "rdp", 5060: "sip", 5432: "postgresql",
	5672: "amqp", 5900: "vnc", 6379: "redis", 6443: "kubernetes", 8000: "http-alt",
	8080: "http-proxy", 8443: "https-alt", 8888: "http-alt", 9000: "http-alt",
	9092: "kafka", 9200: "elasticsearch", 11211: "memcached", 27017: "mongodb",
}
