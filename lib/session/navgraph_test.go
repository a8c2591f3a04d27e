package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNavNodeIDCollapsesQueryAndFragment(t *testing.T) {
	base := NavNodeID("https://shop.example.com/cart")
	assert.Equal(t, base, NavNodeID("https://shop.example.com/cart?utm=x&session=abc"))
	assert.Equal(t, base, NavNodeID("https://shop.example.com/cart#items"))
	assert.NotEqual(t, base, NavNodeID("https://shop.example.com/checkout"))
}

func TestNavGraphVisitRecordsEdges(t *testing.T) {
	g := NewNavGraph()

	home := g.Visit("https://example.com/", "Home")
	assert.Equal(t, home, g.Current())

	cart := g.Visit("https://example.com/cart", "Cart")
	snap := g.Snapshot()
	require.Len(t, snap.Edges, 1)
	assert.Equal(t, home, snap.Edges[0].From)
	assert.Equal(t, cart, snap.Edges[0].To)
	assert.Equal(t, "nav", snap.Edges[0].Kind)
	assert.Equal(t, 1, snap.Edges[0].Count)

	// Revisit bumps counts without duplicating nodes or edges.
	g.Visit("https://example.com/", "Home")
	g.Visit("https://example.com/cart?promo=1", "Cart")
	snap = g.Snapshot()
	assert.Len(t, snap.Nodes, 2)
	assert.Equal(t, 2, snap.Nodes[cart].Visits)
}

func TestNavGraphSelfVisitAddsNoEdge(t *testing.T) {
	g := NewNavGraph()
	g.Visit("https://example.com/a", "")
	g.Visit("https://example.com/a?page=2", "")
	assert.Empty(t, g.Snapshot().Edges)
}

func TestNavGraphLinkEdges(t *testing.T) {
	g := NewNavGraph()
	g.Visit("https://example.com/", "Home")
	g.Link("https://example.com/", "https://example.com/deals", "Deals", "aff:0123456789")

	snap := g.Snapshot()
	assert.Len(t, snap.Nodes, 2, "link targets become nodes without a visit")
	require.Len(t, snap.Edges, 1)
	assert.Equal(t, "link", snap.Edges[0].Kind)
	assert.Equal(t, "Deals", snap.Edges[0].Label)
	assert.Equal(t, "aff:0123456789", snap.Edges[0].Ref)
	// Discovering a link does not move the tab.
	assert.Equal(t, NavNodeID("https://example.com/"), g.Current())
}

func TestNavGraphPruneKeepsCurrentAndRecent(t *testing.T) {
	g := NewNavGraph()
	g.Visit("https://example.com/1", "")
	g.Visit("https://example.com/2", "")
	g.Visit("https://example.com/3", "")
	current := g.Visit("https://example.com/4", "")

	g.Prune(2)
	snap := g.Snapshot()
	assert.Len(t, snap.Nodes, 2)
	_, hasCurrent := snap.Nodes[current]
	assert.True(t, hasCurrent)
	for _, edge := range snap.Edges {
		_, fromKept := snap.Nodes[edge.From]
		_, toKept := snap.Nodes[edge.To]
		assert.True(t, fromKept && toKept, "pruned graph must not hold dangling edges")
	}
}
