package probe

import (
	"fmt"
	"strings"
)

// Protocol is the transport a port was probed over.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// State is the per-port probe state. Pending and Probing are transient; the
// rest are terminal.
type State string

const (
	StatePending  State = "pending"
	StateProbing  State = "probing"
	StateOpen     State = "open"
	StateClosed   State = "closed"
	StateFiltered State = "filtered"
	StateError    State = "error"
)

// Terminal reports whether s is a final classification.
func (s State) Terminal() bool {
	switch s {
	case StateOpen, StateClosed, StateFiltered, StateError:
		return true
	default:
		return false
	}
}

// Reasons attached to classifications.
const (
	ReasonConnected   = "connected"
	ReasonConnRefused = "conn-refused"
	ReasonTimeout     = "timeout"
	ReasonSynAck      = "syn-ack"
	ReasonReset       = "reset"
	ReasonNoResponse  = "no-response"
	ReasonResponse    = "response"
	ReasonUDPResponse = "udp-response"
	ReasonPortUnreach = "port-unreach"
	ReasonHostUnreach = "host-unreach"
)

// PortResult is the classification of one port. Values are not modified
// after the probe returns; enrichment steps produce copies.
type PortResult struct {
	Port       uint16   `json:"port"`
	Protocol   Protocol `json:"protocol"`
	State      State    `json:"state"`
	Service    string   `json:"service,omitempty"`
	Version    string   `json:"version,omitempty"`
	Banner     string   `json:"banner,omitempty"`
	Confidence float64  `json:"confidence"`
	TTL        *uint8   `json:"ttl,omitempty"`
	WindowSize *uint32  `json:"window_size,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// OpenFiltered reports the ambiguous outcome of scans that cannot tell an
// open port from a filtered one when nothing comes back.
func (r PortResult) OpenFiltered() bool {
	return r.State == StateOpen && r.Reason == ReasonNoResponse
}

// DisplayState renders State, spelling out the open|filtered ambiguity.
func (r PortResult) DisplayState() string {
	if r.OpenFiltered() {
		return "open|filtered"
	}
	return string(r.State)
}

// HasFingerprint reports whether the result carries TTL or window evidence.
func (r PortResult) HasFingerprint() bool {
	return r.TTL != nil || r.WindowSize != nil
}

// ScanType selects the probing technique.
type ScanType int

const (
	TCPConnect ScanType = iota
	SYN
	FIN
	NULL
	XMAS
	UDPScan
)

var scanTypeNames = map[ScanType]string{
	TCPConnect: "connect",
	SYN:        "syn",
	FIN:        "fin",
	NULL:       "null",
	XMAS:       "xmas",
	UDPScan:    "udp",
}

// ParseScanType accepts the names produced by String, case-insensitively.
// "tcp" is an alias for connect.
func ParseScanType(s string) (ScanType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "tcp" || name == "" {
		return TCPConnect, nil
	}
	for t, n := range scanTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown scan type %q", s)
}

func (t ScanType) String() string {
	if n, ok := scanTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("scantype(%d)", int(t))
}

// Protocol returns the transport the scan type probes.
func (t ScanType) Protocol() Protocol {
	if t == UDPScan {
		return UDP
	}
	return TCP
}

// RequiresRaw reports whether the scan type crafts its own segments.
func (t ScanType) RequiresRaw() bool {
	switch t {
	case SYN, FIN, NULL, XMAS:
		return true
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t ScanType) MarshalText() ([]byte, error) {
	if _, ok := scanTypeNames[t]; !ok {
		return nil, fmt.Errorf("unknown scan type %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ScanType) UnmarshalText(b []byte) error {
	v, err := ParseScanType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
