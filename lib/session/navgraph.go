package session

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/browsermcp/server/lib/redact"
)

// NavNode is one visited location keyed by its redacted URL.
type NavNode struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	FirstSeenAt int64  `json:"firstSeenAt"`
	LastSeenAt  int64  `json:"lastSeenAt"`
	Visits      int    `json:"visits"`
}

// NavEdge is one observed transition between nodes.
type NavEdge struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Kind        string `json:"kind"` // nav | link
	Label       string `json:"label,omitempty"`
	Ref         string `json:"ref,omitempty"`
	Count       int    `json:"count"`
	FirstSeenAt int64  `json:"firstSeenAt"`
	LastSeenAt  int64  `json:"lastSeenAt"`
}

// NavGraph tracks where a tab has been and how it moved.
type NavGraph struct {
	mu      sync.Mutex
	nodes   map[string]*NavNode
	edges   map[string]*NavEdge
	current string
}

// NewNavGraph returns an empty graph.
func NewNavGraph() *NavGraph {
	return &NavGraph{nodes: map[string]*NavNode{}, edges: map[string]*NavEdge{}}
}

// NavNodeID derives the stable node id for a URL: query and fragment never
// participate, so reloads with volatile params collapse to one node.
func NavNodeID(url string) string {
	sum := sha1.Sum([]byte(redact.URL(url)))
	return "nav:" + hex.EncodeToString(sum[:])[:10]
}

// Visit records arrival at a URL and returns its node id. When a current
// node exists a nav edge from it is recorded too.
func (g *NavGraph) Visit(url, title string) string {
	now := time.Now().UnixMilli()
	id := NavNodeID(url)

	g.mu.Lock()
	defer g.mu.Unlock()
	node, ok := g.nodes[id]
	if !ok {
		node = &NavNode{URL: redact.URL(url), FirstSeenAt: now}
		g.nodes[id] = node
	}
	node.LastSeenAt = now
	node.Visits++
	if title != "" {
		node.Title = title
	}
	if g.current != "" && g.current != id {
		g.recordEdgeLocked(g.current, id, "nav", "", "", now)
	}
	g.current = id
	return id
}

// Link records a discovered link edge without navigating.
func (g *NavGraph) Link(fromURL, toURL, label, ref string) {
	now := time.Now().UnixMilli()
	from, to := NavNodeID(fromURL), NavNodeID(toURL)

	g.mu.Lock()
	defer g.mu.Unlock()
	for id, url := range map[string]string{from: fromURL, to: toURL} {
		if _, ok := g.nodes[id]; !ok {
			g.nodes[id] = &NavNode{URL: redact.URL(url), FirstSeenAt: now, LastSeenAt: now}
		}
	}
	g.recordEdgeLocked(from, to, "link", label, ref, now)
}

func (g *NavGraph) recordEdgeLocked(from, to, kind, label, ref string, now int64) {
	key := from + ">" + to + ":" + kind
	edge, ok := g.edges[key]
	if !ok {
		edge = &NavEdge{From: from, To: to, Kind: kind, FirstSeenAt: now}
		g.edges[key] = edge
	}
	edge.Count++
	edge.LastSeenAt = now
	if label != "" {
		edge.Label = label
	}
	if ref != "" {
		edge.Ref = ref
	}
}

// Current returns the node id the tab is presently at.
func (g *NavGraph) Current() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Prune keeps only the maxNodes most recently seen nodes and drops edges
// touching removed ones. The current node always survives.
func (g *NavGraph) Prune(maxNodes int) {
	if maxNodes <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.nodes) <= maxNodes {
		return
	}
	type seen struct {
		id string
		at int64
	}
	ranked := make([]seen, 0, len(g.nodes))
	for id, node := range g.nodes {
		ranked = append(ranked, seen{id, node.LastSeenAt})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].at > ranked[j].at })

	keep := map[string]bool{g.current: true}
	for _, s := range ranked {
		if len(keep) >= maxNodes {
			break
		}
		keep[s.id] = true
	}
	for id := range g.nodes {
		if !keep[id] {
			delete(g.nodes, id)
		}
	}
	for key, edge := range g.edges {
		if !keep[edge.From] || !keep[edge.To] {
			delete(g.edges, key)
		}
	}
}

// NavSnapshot is an exportable view of the graph.
type NavSnapshot struct {
	Nodes   map[string]NavNode `json:"nodes"`
	Edges   []NavEdge          `json:"edges"`
	Current string             `json:"current,omitempty"`
}

// Snapshot copies the graph for serialization.
func (g *NavGraph) Snapshot() NavSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap := NavSnapshot{Nodes: make(map[string]NavNode, len(g.nodes)), Current: g.current}
	for id, node := range g.nodes {
		snap.Nodes[id] = *node
	}
	snap.Edges = make([]NavEdge, 0, len(g.edges))
	for _, edge := range g.edges {
		snap.Edges = append(snap.Edges, *edge)
	}
	sort.Slice(snap.Edges, func(i, j int) bool {
		return snap.Edges[i].FirstSeenAt < snap.Edges[j].FirstSeenAt
	})
	return snap
}
