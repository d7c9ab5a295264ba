package priority

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanOrder_MixedPorts(t *testing.T) {
	ports := []uint16{21, 22, 23, 80, 443, 3306, 8080, 8443, 25, 110, 143, 1000, 2000}

	groups := ScanOrder(ports)

	assert.Equal(t, Critical, groups[0].Tier)
	assert.ElementsMatch(t, []uint16{21, 22, 23, 80, 443, 3306, 8080, 8443}, groups[0].Ports)

	assert.Equal(t, High, groups[1].Tier)
	assert.Equal(t, []uint16{25, 110}, groups[1].Ports)

	assert.Equal(t, Medium, groups[2].Tier)
	assert.Equal(t, []uint16{143}, groups[2].Ports)

	assert.Equal(t, Low, groups[3].Tier)
	assert.Equal(t, []uint16{1000, 2000}, groups[3].Ports)
}

func TestScanOrder_PreservesInputOrderWithinTier(t *testing.T) {
	groups := ScanOrder([]uint16{8443, 22, 80})
	assert.Equal(t, []uint16{8443, 22, 80}, groups[0].Ports)
}

func TestScanOrder_CollapsesDuplicates(t *testing.T) {
	groups := ScanOrder([]uint16{22, 22, 5000, 5000, 5000})
	assert.Equal(t, []uint16{22}, groups[0].Ports)
	assert.Equal(t, []uint16{5000}, groups[3].Ports)
}

func TestScanOrder_Empty(t *testing.T) {
	groups := ScanOrder(nil)
	for i, g := range groups {
		assert.Equal(t, Tiers[i], g.Tier)
		assert.Empty(t, g.Ports)
	}
}

func TestScanOrder_PartitionProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 200; trial++ {
		n := rng.Intn(300)
		input := make(map[uint16]struct{}, n)
		ports := make([]uint16, 0, n)
		for i := 0; i < n; i++ {
			p := uint16(rng.Intn(65535) + 1)
			if rng.Intn(4) == 0 {
				// bias towards table entries
				p = []uint16{22, 80, 443, 25, 143, 161}[rng.Intn(6)]
			}
			if _, ok := input[p]; ok {
				continue
			}
			input[p] = struct{}{}
			ports = append(ports, p)
		}

		groups := ScanOrder(ports)

		var all []uint16
		for i, g := range groups {
			require.Equal(t, Tiers[i], g.Tier)
			for _, p := range g.Ports {
				assert.Equal(t, g.Tier, TierOf(p))
			}
			all = append(all, g.Ports...)
		}

		require.Len(t, all, len(ports), "no drops and no duplicates")
		sorted := append([]uint16(nil), ports...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
		assert.Equal(t, sorted, all)
	}
}

func TestTierOf(t *testing.T) {
	assert.Equal(t, Critical, TierOf(22))
	assert.Equal(t, High, TierOf(6379))
	assert.Equal(t, Medium, TierOf(161))
	assert.Equal(t, Low, TierOf(31337))
}

func TestTierString(t *testing.T) {
	assert.Equal(t, "critical", Critical.String())
	assert.Equal(t, "low", Low.String())
	assert.Equal(t, "tier(9)", Tier(9).String())
}
