package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAffordanceReplaceIsWholesale(t *testing.T) {
	m := NewAffordanceMap()

	first := m.Replace([]Affordance{
		{Tool: "click", Args: map[string]any{"selector": "#buy"}},
		{Tool: "type", Args: map[string]any{"selector": "#q", "text": "shoes"}},
	})
	require.Len(t, first, 2)
	for _, ref := range first {
		assert.Regexp(t, AffordanceRefPattern, ref)
	}

	got, ok := m.Get(first[0])
	require.True(t, ok)
	assert.Equal(t, "click", got.Tool)

	second := m.Replace([]Affordance{
		{Tool: "click", Args: map[string]any{"selector": "#checkout"}},
	})
	require.Len(t, second, 1)

	// Old observation's refs are dead.
	_, ok = m.Get(first[0])
	assert.False(t, ok)
	_, ok = m.Get(first[1])
	assert.False(t, ok)
	assert.Equal(t, second, m.Refs())
	assert.Equal(t, 1, m.Len())
}

func TestAffordanceRefsStableAndPositional(t *testing.T) {
	m := NewAffordanceMap()
	items := []Affordance{
		{Tool: "click", Args: map[string]any{"selector": "#a"}},
		{Tool: "click", Args: map[string]any{"selector": "#a"}}, // identical content
	}
	refs := m.Replace(items)
	require.Len(t, refs, 2)
	assert.NotEqual(t, refs[0], refs[1], "identical items at different positions need distinct refs")

	again := m.Replace(items)
	assert.Equal(t, refs, again, "same observation must yield the same refs")
}

func TestAffordanceCapDropsOverflow(t *testing.T) {
	m := NewAffordanceMap()
	items := make([]Affordance, affordanceCap+25)
	for i := range items {
		items[i] = Affordance{Tool: "click", Args: map[string]any{"selector": fmt.Sprintf("#el%d", i)}}
	}
	refs := m.Replace(items)
	assert.Len(t, refs, affordanceCap)
	assert.Equal(t, affordanceCap, m.Len())
}

func TestAffordanceRefPatternRejectsJunk(t *testing.T) {
	for _, bad := range []string{"", "aff:", "aff:XYZ1234567", "aff:0123456789ab", "nav:0123456789"} {
		assert.False(t, AffordanceRefPattern.MatchString(bad), bad)
	}
	assert.True(t, AffordanceRefPattern.MatchString("aff:0123456789"))
}
