package db

import (
	"database/sql/driver"
	"fmt"
	"net"
	"time"

	json "github.com/goccy/go-json"

	"github.com/anstrom/portgate/internal/adaptive"
	"github.com/anstrom/portgate/internal/osfp"
	"github.com/anstrom/portgate/internal/probe"
	"github.com/anstrom/portgate/internal/scanning"
)

// IPAddr wraps net.IP to implement PostgreSQL INET type.
type IPAddr struct {
	net.IP
}

// Scan implements sql.Scanner for PostgreSQL INET type.
func (ip *IPAddr) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into IPAddr", value)
	}
	parsed := net.ParseIP(s)
	if parsed == nil {
		return fmt.Errorf("failed to parse IP address: %s", s)
	}
	ip.IP = parsed
	return nil
}

// Value implements driver.Valuer for PostgreSQL INET type.
func (ip IPAddr) Value() (driver.Value, error) {
	if ip.IP == nil {
		return nil, nil
	}
	return ip.IP.String(), nil
}

// String returns the IP address string.
func (ip IPAddr) String() string {
	if ip.IP == nil {
		return ""
	}
	return ip.IP.String()
}

// JSONB wraps json.RawMessage for PostgreSQL JSONB type.
type JSONB json.RawMessage

// Scan implements sql.Scanner for PostgreSQL JSONB type.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		*j = append(JSONB(nil), v...)
		return nil
	case string:
		*j = JSONB(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// Value implements driver.Valuer for PostgreSQL JSONB type.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return []byte(j), nil
}

func toJSONB(v any) (JSONB, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return JSONB(data), nil
}

// ScanSummary is one row of the scan history listing.
type ScanSummary struct {
	ID         string    `db:"id" json:"id"`
	Target     string    `db:"target" json:"target"`
	ScanType   string    `db:"scan_type" json:"scan_type"`
	TotalPorts int       `db:"total_ports" json:"total_ports"`
	OpenPorts  int       `db:"open_ports" json:"open_ports"`
	Cached     bool      `db:"cached" json:"cached"`
	Incomplete bool      `db:"incomplete" json:"incomplete"`
	StartedAt  time.Time `db:"started_at" json:"started_at"`
	DurationMS int64     `db:"duration_ms" json:"duration_ms"`
}

type scanRow struct {
	ID         string    `db:"id"`
	Target     string    `db:"target"`
	Address    IPAddr    `db:"address"`
	ScanType   string    `db:"scan_type"`
	Cached     bool      `db:"cached"`
	Incomplete bool      `db:"incomplete"`
	Warning    string    `db:"warning"`
	OSGuess    JSONB     `db:"os_guess"`
	OSError    string    `db:"os_error"`
	Adaptive   JSONB     `db:"adaptive"`
	TotalPorts int       `db:"total_ports"`
	OpenPorts  int       `db:"open_ports"`
	StartedAt  time.Time `db:"started_at"`
	FinishedAt time.Time `db:"finished_at"`
	DurationMS int64     `db:"duration_ms"`
}

type portRow struct {
	ScanID     string  `db:"scan_id"`
	Port       int     `db:"port"`
	Protocol   string  `db:"protocol"`
	State      string  `db:"state"`
	Reason     string  `db:"reason"`
	Service    string  `db:"service"`
	Version    string  `db:"version"`
	Banner     string  `db:"banner"`
	Confidence float64 `db:"confidence"`
	TTL        *int16  `db:"ttl"`
	WindowSize *int64  `db:"window_size"`
}

func newScanRow(res *scanning.Result) (*scanRow, error) {
	row := &scanRow{
		ID:         res.ScanID,
		Target:     res.Target,
		Address:    IPAddr{IP: net.ParseIP(res.Address)},
		ScanType:   res.ScanType,
		Cached:     res.Cached,
		Incomplete: res.Incomplete,
		Warning:    res.Warning,
		OSError:    res.OSError,
		TotalPorts: len(res.Ports),
		OpenPorts:  len(res.OpenPorts()),
		StartedAt:  res.StartTime,
		FinishedAt: res.EndTime,
		DurationMS: res.Duration.Milliseconds(),
	}

	var err error
	if res.OS != nil {
		if row.OSGuess, err = toJSONB(res.OS); err != nil {
			return nil, fmt.Errorf("failed to encode OS guess: %w", err)
		}
	}
	if res.Adaptive != nil {
		if row.Adaptive, err = toJSONB(res.Adaptive); err != nil {
			return nil, fmt.Errorf("failed to encode adaptive state: %w", err)
		}
	}
	return row, nil
}

func newPortRow(scanID string, p probe.PortResult) portRow {
	row := portRow{
		ScanID:     scanID,
		Port:       int(p.Port),
		Protocol:   string(p.Protocol),
		State:      string(p.State),
		Reason:     p.Reason,
		Service:    p.Service,
		Version:    p.Version,
		Banner:     p.Banner,
		Confidence: p.Confidence,
	}
	if p.TTL != nil {
		ttl := int16(*p.TTL)
		row.TTL = &ttl
	}
	if p.WindowSize != nil {
		w := int64(*p.WindowSize)
		row.WindowSize = &w
	}
	return row
}

func (r portRow) result() probe.PortResult {
	p := probe.PortResult{
		Port:       uint16(r.Port),
		Protocol:   probe.Protocol(r.Protocol),
		State:      probe.State(r.State),
		Reason:     r.Reason,
		Service:    r.Service,
		Version:    r.Version,
		Banner:     r.Banner,
		Confidence: r.Confidence,
	}
	if r.TTL != nil {
		ttl := uint8(*r.TTL)
		p.TTL = &ttl
	}
	if r.WindowSize != nil {
		w := uint32(*r.WindowSize)
		p.WindowSize = &w
	}
	return p
}

func (r *scanRow) result(ports []portRow) (*scanning.Result, error) {
	res := &scanning.Result{
		ScanID:     r.ID,
		Target:     r.Target,
		Address:    r.Address.String(),
		ScanType:   r.ScanType,
		Cached:     r.Cached,
		Incomplete: r.Incomplete,
		Warning:    r.Warning,
		OSError:    r.OSError,
		StartTime:  r.StartedAt,
		EndTime:    r.FinishedAt,
		Duration:   time.Duration(r.DurationMS) * time.Millisecond,
		Ports:      make([]probe.PortResult, 0, len(ports)),
	}
	for _, p := range ports {
		res.Ports = append(res.Ports, p.result())
	}
	if len(r.OSGuess) > 0 {
		var g osfp.Guess
		if err := json.Unmarshal(r.OSGuess, &g); err != nil {
			return nil, fmt.Errorf("failed to decode OS guess: %w", err)
		}
		res.OS = &g
	}
	if len(r.Adaptive) > 0 {
		var st adaptive.State
		if err := json.Unmarshal(r.Adaptive, &st); err != nil {
			return nil, fmt.Errorf("failed to decode adaptive state: %w", err)
		}
		res.Adaptive = &st
	}
	return res, nil
}
