package routing

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/signalsfoundry/linerouter/core"
)

func edgePorts(path []*core.ModuleGraphEdge) [][2]int {
	out := make([][2]int, 0, len(path))
	for _, e := range path {
		out = append(out, [2]int{e.OriginPort, e.TargetPort})
	}
	return out
}

func TestShortestPaths_ParallelEdgesKeepPortIdentity(t *testing.T) {
	l := newTestLine(t)
	a := l.add("A", 1)
	b := l.add("B", 2)
	l.connect("A", 0, "B", 0)
	l.connect("A", 1, "B", 1)

	got := computeShortestPaths(l.graph, a, edgeCostFor).Path(b)
	if diff := cmp.Diff([][2]int{{0, 0}}, edgePorts(got)); diff != "" {
		t.Fatalf("tie path mismatch (-want +got):\n%s", diff)
	}

	b.SetPortFull(0, true)
	got = computeShortestPaths(l.graph, a, edgeCostFor).Path(b)
	if diff := cmp.Diff([][2]int{{1, 1}}, edgePorts(got)); diff != "" {
		t.Fatalf("path with port 0 full mismatch (-want +got):\n%s", diff)
	}

	b.SetPortFull(1, true)
	if computeShortestPaths(l.graph, a, edgeCostFor).Reachable(b) {
		t.Fatalf("B reachable with every input port full")
	}
}

func TestShortestPaths_CheaperParallelEdgeWins(t *testing.T) {
	l := newTestLine(t)
	a := l.add("A", 1)
	b := l.add("B", 2)
	l.connect("A", 0, "B", 0)
	l.connect("A", 1, "B", 1)

	cost := func(e *core.ModuleGraphEdge) float64 {
		if e.OriginPort == 0 {
			return 5
		}
		return 2
	}
	got := computeShortestPaths(l.graph, a, cost).Path(b)
	if diff := cmp.Diff([][2]int{{1, 1}}, edgePorts(got)); diff != "" {
		t.Fatalf("path mismatch (-want +got):\n%s", diff)
	}
}

func TestShortestPaths_SourceAndUnknownTargets(t *testing.T) {
	l := newTestLine(t)
	a := l.add("A", 1)
	b := l.add("B", 2)
	c := l.add("C", 3)
	l.connect("A", 0, "B", 0)

	sp := computeShortestPaths(l.graph, a, edgeCostFor)
	if p := sp.Path(a); p == nil || len(p) != 0 {
		t.Fatalf("Path(source) = %v, want empty non-nil", p)
	}
	if sp.Reachable(c) {
		t.Fatalf("unconnected C reported reachable")
	}
	if !sp.Reachable(b) {
		t.Fatalf("B not reachable")
	}

	blocked := func(*core.ModuleGraphEdge) float64 { return math.Inf(1) }
	if computeShortestPaths(l.graph, a, blocked).Reachable(b) {
		t.Fatalf("B reachable over an infinite-cost edge")
	}
	if computeShortestPaths(nil, a, edgeCostFor).Reachable(a) {
		t.Fatalf("nil graph reported a path")
	}
}
