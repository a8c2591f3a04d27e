package gateway

import (
	"strconv"
	"strings"

	"github.com/samber/lo"
)

const (
	// DefaultPortSpan is how many ports above the base are probed when no
	// explicit range is configured.
	DefaultPortSpan = 10
	maxPortSpan     = 250
)

// PortCandidates expands the configured port into the ordered candidate list
// tried by the leader bind loop and the peer discovery probes.
//
// An explicit "lo-hi" range wins and is normalized (reversed bounds swap).
// Otherwise the list is base..base+span with span clamped to [0, 250].
func PortCandidates(port, span int, rangeSpec string) []int {
	if low, high, ok := parseRange(rangeSpec); ok {
		return lo.RangeFrom(low, high-low+1)
	}
	if span < 0 {
		span = 0
	}
	if span > maxPortSpan {
		span = maxPortSpan
	}
	return lo.RangeFrom(port, span+1)
}

func parseRange(spec string) (int, int, bool) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, 0, false
	}
	a, b, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, false
	}
	low, err1 := strconv.Atoi(strings.TrimSpace(a))
	high, err2 := strconv.Atoi(strings.TrimSpace(b))
	if err1 != nil || err2 != nil || low < 1 || high < 1 || low > 65535 || high > 65535 {
		return 0, 0, false
	}
	if low > high {
		low, high = high, low
	}
	return low, high, true
}

// truncateCandidates bounds the candidate list surfaced in status payloads.
func truncateCandidates(candidates []int) []int {
	const maxShown = 8
	if len(candidates) > maxShown {
		return candidates[:maxShown]
	}
	return candidates
}
