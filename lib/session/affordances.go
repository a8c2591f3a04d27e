package session

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
)

// affordanceCap bounds the map; observations beyond it are dropped.
const affordanceCap = 100

// AffordanceRefPattern validates agent-supplied refs before lookup.
var AffordanceRefPattern = regexp.MustCompile(`^aff:[0-9a-f]{10}$`)

// Affordance maps a stable ref to a concrete tool invocation, so agents act
// on refs instead of brittle selectors.
type Affordance struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
	Meta map[string]any `json:"meta,omitempty"`
}

// AffordanceMap is the per-tab ref table. A new observation replaces it
// wholesale; refs from older observations become invalid.
type AffordanceMap struct {
	mu    sync.Mutex
	refs  map[string]Affordance
	order []string
}

// NewAffordanceMap returns an empty map.
func NewAffordanceMap() *AffordanceMap {
	return &AffordanceMap{refs: map[string]Affordance{}}
}

// Replace swaps in a fresh observation and returns the assigned refs in
// input order. Items beyond the cap are dropped.
func (m *AffordanceMap) Replace(items []Affordance) []string {
	if len(items) > affordanceCap {
		items = items[:affordanceCap]
	}
	refs := map[string]Affordance{}
	order := make([]string, 0, len(items))
	for i, item := range items {
		ref := affordanceRef(item, i)
		refs[ref] = item
		order = append(order, ref)
	}
	m.mu.Lock()
	m.refs = refs
	m.order = order
	m.mu.Unlock()
	return order
}

// Get resolves a ref from the current observation.
func (m *AffordanceMap) Get(ref string) (Affordance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.refs[ref]
	return a, ok
}

// Refs lists the current refs in observation order.
func (m *AffordanceMap) Refs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Len reports the current observation size.
func (m *AffordanceMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refs)
}

// affordanceRef derives a stable ref from the item content plus its position,
// so identical items at different positions stay distinguishable.
func affordanceRef(item Affordance, index int) string {
	payload, _ := json.Marshal(item)
	sum := sha1.Sum(append(payload, []byte(fmt.Sprintf("#%d", index))...))
	return "aff:" + hex.EncodeToString(sum[:])[:10]
}
