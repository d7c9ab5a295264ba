package scanning

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anstrom/portgate/internal/adaptive"
	"github.com/anstrom/portgate/internal/errors"
	"github.com/anstrom/portgate/internal/osfp"
	"github.com/anstrom/portgate/internal/probe"
)

const (
	expectedPortRangeParts = 2
	minPort                = 1
	maxPort                = 65535
)

// ScanConfig controls a single scan.
type ScanConfig struct {
	// ScanType selects the probe technique.
	ScanType probe.ScanType `json:"scan_type"`
	// Timeout is the initial per-probe timeout. The adaptive controller may
	// change it between priority groups.
	Timeout time.Duration `json:"timeout"`
	// ScanTimeout bounds the whole scan; zero means no deadline.
	ScanTimeout time.Duration `json:"scan_timeout"`
	// MaxConcurrent caps in-flight probes regardless of adaptive state.
	MaxConcurrent    int           `json:"max_concurrent"`
	ServiceDetection bool          `json:"service_detection"`
	ServiceTimeout   time.Duration `json:"service_timeout"`
	BannerGrabbing   bool          `json:"banner_grabbing"`
	AdaptiveScanning bool          `json:"adaptive_scanning"`
	OSDetection      bool          `json:"os_detection"`
	RequireReachable bool          `json:"require_reachable"`
	// Force skips the cache lookup. A forced scan does not write the cache.
	Force bool `json:"force"`
}

// DefaultScanConfig returns a connect scan with detection and adaptive
// tuning enabled.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		ScanType:         probe.TCPConnect,
		Timeout:          time.Second,
		ScanTimeout:      10 * time.Minute,
		MaxConcurrent:    100,
		ServiceDetection: true,
		ServiceTimeout:   2 * time.Second,
		BannerGrabbing:   true,
		AdaptiveScanning: true,
		OSDetection:      true,
	}
}

// Validate checks field ranges and mutually exclusive options.
func (c *ScanConfig) Validate() error {
	if c.RequireReachable && c.Force {
		return errors.NewScanError(errors.CodeValidation, "require_reachable and force are mutually exclusive")
	}
	if c.Timeout <= 0 {
		return errors.NewScanError(errors.CodeValidation, "timeout must be positive")
	}
	if c.ScanTimeout < 0 {
		return errors.NewScanError(errors.CodeValidation, "scan_timeout must not be negative")
	}
	if c.MaxConcurrent < 1 {
		return errors.NewScanError(errors.CodeValidation, "max_concurrent must be at least 1")
	}
	if c.ServiceDetection && c.ServiceTimeout <= 0 {
		return errors.NewScanError(errors.CodeValidation, "service_timeout must be positive when service detection is enabled")
	}
	return nil
}

// Request is one call to Orchestrator.Scan.
type Request struct {
	// ScanID is generated when empty.
	ScanID   string
	ClientID string
	Target   string
	Ports    []uint16
	Config   ScanConfig
}

// Result is the outcome of a scan. Ports is ordered by port number.
type Result struct {
	ScanID     string             `json:"scan_id"`
	Target     string             `json:"target"`
	Address    string             `json:"address,omitempty"`
	ScanType   string             `json:"scan_type"`
	Ports      []probe.PortResult `json:"ports"`
	OS         *osfp.Guess        `json:"os,omitempty"`
	OSError    string             `json:"os_error,omitempty"`
	Cached     bool               `json:"cached"`
	Incomplete bool               `json:"incomplete"`
	Warning    string             `json:"warning,omitempty"`
	Adaptive   *adaptive.State    `json:"adaptive,omitempty"`
	StartTime  time.Time          `json:"start_time"`
	EndTime    time.Time          `json:"end_time"`
	Duration   time.Duration      `json:"duration"`
}

func newResult(scanID, target string, t probe.ScanType) *Result {
	return &Result{
		ScanID:    scanID,
		Target:    target,
		ScanType:  t.String(),
		Ports:     make([]probe.PortResult, 0),
		StartTime: time.Now(),
	}
}

// complete stamps the end time.
func (r *Result) complete() {
	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime)
}

// OpenPorts returns the results whose state is OPEN, including open|filtered.
func (r *Result) OpenPorts() []probe.PortResult {
	var open []probe.PortResult
	for _, p := range r.Ports {
		if p.State == probe.StateOpen {
			open = append(open, p)
		}
	}
	return open
}

// StateCounts tallies results by state.
func (r *Result) StateCounts() map[probe.State]int {
	counts := make(map[probe.State]int, 4)
	for _, p := range r.Ports {
		counts[p.State]++
	}
	return counts
}

// ParsePorts expands a port specification such as "22,80-90,443" into a
// list. Input order is kept and repeated ports appear once.
func ParsePorts(spec string) ([]uint16, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.NewScanError(errors.CodeValidation, "no ports specified")
	}

	var ports []uint16
	seen := make(map[uint16]struct{})
	add := func(p uint16) {
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		ports = append(ports, p)
	}

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "-") {
			start, end, err := parsePortRange(part)
			if err != nil {
				return nil, err
			}
			for p := start; p <= end; p++ {
				add(uint16(p))
			}
			continue
		}
		p, err := parseSinglePort(part)
		if err != nil {
			return nil, err
		}
		add(uint16(p))
	}

	if len(ports) == 0 {
		return nil, errors.NewScanError(errors.CodeValidation, "no ports specified")
	}
	return ports, nil
}

// parsePortRange parses "80-100".
func parsePortRange(part string) (int, int, error) {
	rangeParts := strings.Split(part, "-")
	if len(rangeParts) != expectedPortRangeParts {
		return 0, 0, errors.NewScanError(errors.CodeValidation, fmt.Sprintf("invalid port range format: %s", part))
	}

	start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
	if err != nil {
		return 0, 0, errors.NewScanError(errors.CodeValidation, fmt.Sprintf("invalid start port: %s", rangeParts[0]))
	}
	end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
	if err != nil {
		return 0, 0, errors.NewScanError(errors.CodeValidation, fmt.Sprintf("invalid end port: %s", rangeParts[1]))
	}

	if start < minPort || start > maxPort || end < minPort || end > maxPort {
		return 0, 0, errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("invalid port range: %s (must be %d-%d)", part, minPort, maxPort))
	}
	if start > end {
		return 0, 0, errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("invalid port range: %s (start is greater than end)", part))
	}
	return start, end, nil
}

func parseSinglePort(part string) (int, error) {
	port, err := strconv.Atoi(part)
	if err != nil {
		return 0, errors.NewScanError(errors.CodeValidation, fmt.Sprintf("invalid port: %s", part))
	}
	if port < minPort || port > maxPort {
		return 0, errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("invalid port: %d (must be %d-%d)", port, minPort, maxPort))
	}
	return port, nil
}
