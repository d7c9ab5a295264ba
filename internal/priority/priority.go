// Package priority orders requested ports so that high-value services are
// probed first. It never filters: every input port lands in exactly one tier.
package priority

import "fmt"

// Tier is a coarse scan-ordering bucket.
type Tier int

const (
	Critical Tier = iota
	High
	Medium
	Low
)

// Tiers lists all tiers in scan order.
var Tiers = [...]Tier{Critical, High, Medium, Low}

func (t Tier) String() string {
	switch t {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

var table = map[uint16]Tier{
	// remote access, web and the most commonly exposed database
	21: Critical, 22: Critical, 23: Critical, 80: Critical,
	443: Critical, 3306: Critical, 8080: Critical, 8443: Critical,

	25: High, 53: High, 110: High, 135: High, 139: High, 445: High,
	1433: High, 1521: High, 3389: High, 5432: High, 5900: High,
	6379: High, 27017: High,

	69: Medium, 111: Medium, 123: Medium, 143: Medium, 161: Medium,
	389: Medium, 465: Medium, 587: Medium, 636: Medium, 993: Medium,
	995: Medium, 2049: Medium, 5060: Medium, 8000: Medium, 8888: Medium,
	9200: Medium, 11211: Medium,
}

// TierOf returns the tier for port; unlisted ports are Low.
func TierOf(port uint16) Tier {
	if t, ok := table[port]; ok {
		return t
	}
	return Low
}

// Group is one tier's share of a scan.
type Group struct {
	Tier  Tier
	Ports []uint16
}

// ScanOrder partitions ports into the four tiers, in tier order. Input order
// is preserved inside each group and repeated ports are kept once. Empty
// groups are included so callers can rely on exactly four entries.
func ScanOrder(ports []uint16) [4]Group {
	var groups [4]Group
	for i, t := range Tiers {
		groups[i].Tier = t
	}

	seen := make(map[uint16]struct{}, len(ports))
	for _, p := range ports {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		t := TierOf(p)
		groups[t].Ports = append(groups[t].Ports, p)
	}
	return groups
}
