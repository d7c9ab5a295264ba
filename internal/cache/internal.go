package cache

import (
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"

	"github.com/censys/cidranger"
)

var defaultInternalNetworks = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"0.0.0.0/32",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"::/128",
}

var internalSuffixes = []string{".local", ".internal", ".lan", ".corp", ".intranet", ".home"}

// Classifier decides whether a target lives on an internal network.
type Classifier struct {
	ranger cidranger.Ranger
}

// NewClassifier builds a Classifier from the built-in private ranges plus extra.
func NewClassifier(extra []string) (*Classifier, error) {
	ranger := cidranger.NewPCTrieRanger()
	for _, cidr := range append(slices.Clone(defaultInternalNetworks), extra...) {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid internal network %q: %w", cidr, err)
		}
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return nil, fmt.Errorf("insert internal network %q: %w", cidr, err)
		}
	}
	return &Classifier{ranger: ranger}, nil
}

// IsInternal reports whether target is an address inside an internal range
// or a hostname that looks internal: localhost, a single label, or one of
// the usual private suffixes.
func (c *Classifier) IsInternal(target string) bool {
	if addr, err := netip.ParseAddr(target); err == nil {
		ok, err := c.ranger.Contains(net.IP(addr.Unmap().AsSlice()))
		return err == nil && ok
	}

	host := strings.TrimSuffix(strings.ToLower(target), ".")
	if host == "localhost" || !strings.Contains(host, ".") {
		return true
	}
	for _, suffix := range internalSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
