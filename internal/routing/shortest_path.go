package routing

import (
	"math"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/iterator"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/signalsfoundry/linerouter/core"
)

// edgeCost returns the cost of traversing e, or +Inf when e is unusable.
type edgeCost func(e *core.ModuleGraphEdge) float64

// hop identifies an ordered pair of modules in a costView.
type hop struct{ from, to int64 }

// costView is a weighted snapshot of a ModuleGraph. Parallel edges between two
// modules collapse to the cheapest one, the earliest added winning ties, so
// the port-level edge survives next to the gonum node pair. Unusable edges are
// left out.
type costView struct {
	modules []core.Module
	ids     map[string]int64
	nodes   []graph.Node
	from    map[int64][]graph.Node
	best    map[hop]*core.ModuleGraphEdge
	weight  map[hop]float64
}

var (
	_ graph.Graph   = (*costView)(nil)
	_ path.Weighted = (*costView)(nil)
)

func newCostView(g *core.ModuleGraph, cost edgeCost) *costView {
	v := &costView{
		ids:    make(map[string]int64),
		from:   make(map[int64][]graph.Node),
		best:   make(map[hop]*core.ModuleGraphEdge),
		weight: make(map[hop]float64),
	}
	v.modules = g.Vertices()
	for i, m := range v.modules {
		v.ids[m.Name()] = int64(i)
		v.nodes = append(v.nodes, simple.Node(i))
	}

	for _, m := range v.modules {
		uid := v.ids[m.Name()]
		for _, e := range g.OutEdges(m) {
			w := cost(e)
			if math.IsInf(w, 1) || math.IsNaN(w) {
				continue
			}
			vid, ok := v.ids[e.Target.Name()]
			if !ok || vid == uid {
				continue
			}
			k := hop{uid, vid}
			if cur, seen := v.weight[k]; seen {
				if w < cur {
					v.weight[k] = w
					v.best[k] = e
				}
				continue
			}
			v.weight[k] = w
			v.best[k] = e
			v.from[uid] = append(v.from[uid], simple.Node(vid))
		}
	}
	return v
}

func (v *costView) Node(id int64) graph.Node {
	if id < 0 || id >= int64(len(v.nodes)) {
		return nil
	}
	return v.nodes[id]
}

func (v *costView) Nodes() graph.Nodes { return iterator.NewOrderedNodes(v.nodes) }

func (v *costView) From(id int64) graph.Nodes { return iterator.NewOrderedNodes(v.from[id]) }

func (v *costView) HasEdgeBetween(xid, yid int64) bool {
	_, xy := v.best[hop{xid, yid}]
	_, yx := v.best[hop{yid, xid}]
	return xy || yx
}

func (v *costView) Edge(uid, vid int64) graph.Edge {
	w, ok := v.weight[hop{uid, vid}]
	if !ok {
		return nil
	}
	return simple.WeightedEdge{F: simple.Node(uid), T: simple.Node(vid), W: w}
}

// Weight implements path.Weighted.
func (v *costView) Weight(xid, yid int64) (float64, bool) {
	if xid == yid {
		return 0, true
	}
	w, ok := v.weight[hop{xid, yid}]
	return w, ok
}

// shortestPaths is a single-source shortest-path tree.
type shortestPaths struct {
	view   *costView
	source int64
	tree   path.Shortest
	ok     bool
}

// computeShortestPaths runs Dijkstra from source over the usable edges of g.
func computeShortestPaths(g *core.ModuleGraph, source core.Module, cost edgeCost) *shortestPaths {
	if g == nil || source == nil {
		return &shortestPaths{}
	}
	view := newCostView(g, cost)
	id, ok := view.ids[source.Name()]
	if !ok {
		return &shortestPaths{view: view}
	}
	return &shortestPaths{
		view:   view,
		source: id,
		tree:   path.DijkstraFrom(simple.Node(id), view),
		ok:     true,
	}
}

// Reachable reports whether target has a finite-cost path from the source.
func (sp *shortestPaths) Reachable(target core.Module) bool {
	return sp.Path(target) != nil
}

// Path returns the edges from the source to target in travel order. It is nil
// when target is unreachable and empty when target is the source.
func (sp *shortestPaths) Path(target core.Module) []*core.ModuleGraphEdge {
	if !sp.ok || target == nil {
		return nil
	}
	id, ok := sp.view.ids[target.Name()]
	if !ok {
		return nil
	}
	if id == sp.source {
		return []*core.ModuleGraphEdge{}
	}
	nodes, w := sp.tree.To(id)
	if len(nodes) == 0 || math.IsInf(w, 1) {
		return nil
	}
	edges := make([]*core.ModuleGraphEdge, 0, len(nodes)-1)
	for i := 1; i < len(nodes); i++ {
		e, ok := sp.view.best[hop{nodes[i-1].ID(), nodes[i].ID()}]
		if !ok {
			return nil
		}
		edges = append(edges, e)
	}
	return edges
}
