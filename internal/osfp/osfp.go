// Package osfp guesses the remote operating system family from the IP TTL
// and TCP window sizes observed while probing.
package osfp

import (
	"fmt"
	"slices"

	"github.com/anstrom/portgate/internal/errors"
	"github.com/anstrom/portgate/internal/probe"
)

// Family is a coarse OS family.
type Family string

const (
	Linux         Family = "Linux/Unix"
	Windows       Family = "Windows"
	NetworkDevice Family = "Network device/Solaris"
	Unknown       Family = "Unknown"
)

var (
	windowsWindows = []uint32{8192, 64240, 65535}
	linuxWindows   = []uint32{5840, 14600, 29200, 64240, 65160}
)

const (
	ttlOnlyConfidence    = 0.6
	corroboratedBonus    = 0.25
	windowOnlyConfidence = 0.4
	// A connect scan sees the send window after the handshake, possibly
	// scaled, rather than the SYN-ACK window the tables describe.
	handshakeWindowConfidence = 0.2
	maxConfidence        = 0.95
)

// Guess is the fingerprint verdict. Samples is the number of results that
// carried evidence, so callers can judge how much to trust it.
type Guess struct {
	Family     Family   `json:"family"`
	Confidence float64  `json:"confidence"`
	InitialTTL uint8    `json:"initial_ttl,omitempty"`
	Samples    int      `json:"samples"`
	Evidence   []string `json:"evidence"`
}

func (g Guess) String() string {
	return fmt.Sprintf("%s (%.0f%%, %d samples)", g.Family, g.Confidence*100, g.Samples)
}

// Fingerprint votes across every result carrying a TTL or window size. It
// returns an insufficient-data error rather than a guess when none do.
func Fingerprint(results []probe.PortResult) (*Guess, error) {
	votes := map[Family]float64{}
	counts := map[Family]int{}
	initial := map[Family]uint8{}
	var evidence []string
	samples := 0

	for _, r := range results {
		if !r.HasFingerprint() {
			continue
		}
		samples++

		family, conf, ttl, why := classify(r.TTL, r.WindowSize, r.Reason == probe.ReasonConnected)
		if family == Unknown {
			evidence = append(evidence, fmt.Sprintf("port %d: %s", r.Port, why))
			continue
		}
		votes[family] += conf
		counts[family]++
		if ttl > 0 {
			initial[family] = ttl
		}
		evidence = append(evidence, fmt.Sprintf("port %d: %s", r.Port, why))
	}

	if samples == 0 {
		return nil, errors.ErrInsufficientData("os fingerprint: no ttl or window samples")
	}

	g := &Guess{Family: Unknown, Samples: samples, Evidence: evidence}
	if len(votes) == 0 {
		return g, nil
	}

	// deterministic tie-break by family name
	families := make([]Family, 0, len(votes))
	for f := range votes {
		families = append(families, f)
	}
	slices.Sort(families)
	var total float64
	for _, f := range families {
		total += votes[f]
		if votes[f] > votes[g.Family] {
			g.Family = f
		}
	}

	// mean confidence of the winning samples, scaled by their share of the vote
	mean := votes[g.Family] / float64(counts[g.Family])
	g.Confidence = min(maxConfidence, mean*votes[g.Family]/total)
	g.InitialTTL = initial[g.Family]
	return g, nil
}

// classify reads one sample. TTL decides the family; the window size either
// corroborates it or, with no TTL, decides at reduced confidence. Windows
// read after a completed handshake never corroborate and vote weakly.
func classify(ttl *uint8, window *uint32, handshake bool) (Family, float64, uint8, string) {
	if ttl != nil {
		family, initial := ttlFamily(*ttl)
		conf := ttlOnlyConfidence
		why := fmt.Sprintf("ttl %d (initial %d)", *ttl, initial)
		if window != nil && handshake {
			why += fmt.Sprintf(", post-handshake window %d ignored", *window)
		} else if window != nil {
			if windowMatches(family, *window) {
				conf += corroboratedBonus
				why += fmt.Sprintf(", window %d agrees", *window)
			} else {
				why += fmt.Sprintf(", window %d inconclusive", *window)
			}
		}
		return family, conf, initial, why
	}

	if window != nil {
		win := *window
		inLinux := slices.Contains(linuxWindows, win)
		inWindows := slices.Contains(windowsWindows, win)
		conf, label := windowOnlyConfidence, "window"
		if handshake {
			conf, label = handshakeWindowConfidence, "post-handshake window"
		}
		switch {
		case inWindows && !inLinux:
			return Windows, conf, 0, fmt.Sprintf("%s %d", label, win)
		case inLinux && !inWindows:
			return Linux, conf, 0, fmt.Sprintf("%s %d", label, win)
		default:
			return Unknown, 0, 0, fmt.Sprintf("window %d ambiguous", win)
		}
	}
	return Unknown, 0, 0, "no evidence"
}

// ttlFamily maps an observed TTL to the nearest common initial value at or
// above it. Hops only ever decrease the TTL.
func ttlFamily(ttl uint8) (Family, uint8) {
	switch {
	case ttl <= 64:
		return Linux, 64
	case ttl <= 128:
		return Windows, 128
	default:
		return NetworkDevice, 255
	}
}

func windowMatches(f Family, window uint32) bool {
	switch f {
	case Linux:
		return slices.Contains(linuxWindows, window)
	case Windows:
		return slices.Contains(windowsWindows, window)
	default:
		return false
	}
}
