package graph

// RewindGraph is the set of nodes selected for reset by one rewind plan,
// with the dependency edges that connected the failed node to the
// regenerating nodes.
//
// The graph is built per plan and is not shared; it needs no locking. Nodes
// are added at most once, so traversal during planning terminates even when
// the underlying dependency structure is revisited through multiple paths.
type RewindGraph struct {
	nodes map[string]Key
	edges map[string][]string
	order []string
}

func newRewindGraph() *RewindGraph {
	return &RewindGraph{
		nodes: make(map[string]Key),
		edges: make(map[string][]string),
	}
}

// AddNode inserts key into the graph. Returns false if it was already
// present, which planners use to cut off re-traversal.
func (g *RewindGraph) AddNode(key Key) bool {
	id := key.String()
	if _, ok := g.nodes[id]; ok {
		return false
	}
	g.nodes[id] = key
	g.order = append(g.order, id)
	return true
}

// AddEdge records the dependency edge from -> to. Both endpoints are
// inserted if absent.
func (g *RewindGraph) AddEdge(from, to Key) {
	g.AddNode(from)
	g.AddNode(to)
	g.edges[from.String()] = append(g.edges[from.String()], to.String())
}

// Contains reports whether key is in the graph.
func (g *RewindGraph) Contains(key Key) bool {
	_, ok := g.nodes[key.String()]
	return ok
}

// Keys returns the graph's nodes in insertion order.
func (g *RewindGraph) Keys() []Key {
	out := make([]Key, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Deps returns the recorded outgoing edges of key.
func (g *RewindGraph) Deps(key Key) []Key {
	ids := g.edges[key.String()]
	out := make([]Key, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.nodes[id])
	}
	return out
}

// Len returns the number of nodes.
func (g *RewindGraph) Len() int {
	return len(g.nodes)
}
