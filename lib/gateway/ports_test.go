package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPortCandidatesSpan(t *testing.T) {
	assert.Equal(t, []int{8765, 8766, 8767, 8768}, PortCandidates(8765, 3, ""))
	assert.Equal(t, []int{8765}, PortCandidates(8765, 0, ""))
	assert.Equal(t, []int{8765}, PortCandidates(8765, -4, ""))
}

func TestPortCandidatesSpanClamped(t *testing.T) {
	got := PortCandidates(10000, 9999, "")
	assert.Len(t, got, 251)
	assert.Equal(t, 10000, got[0])
	assert.Equal(t, 10250, got[250])
}

func TestPortCandidatesExplicitRange(t *testing.T) {
	assert.Equal(t, []int{8767, 8768, 8769, 8770}, PortCandidates(8765, 3, "8770-8767"))
	assert.Equal(t, []int{9000}, PortCandidates(1, 250, "9000-9000"))
}

func TestPortCandidatesBadRangeFallsBack(t *testing.T) {
	assert.Equal(t, []int{8765, 8766}, PortCandidates(8765, 1, "nonsense"))
	assert.Equal(t, []int{8765, 8766}, PortCandidates(8765, 1, "0-70000"))
}

func TestTruncateCandidates(t *testing.T) {
	long := PortCandidates(9000, 200, "")
	assert.Len(t, truncateCandidates(long), 8)
	short := PortCandidates(9000, 2, "")
	assert.Equal(t, short, truncateCandidates(short))
}
