package core

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrModuleExists   = errors.New("module already exists")
	ErrModuleNotFound = errors.New("module not found")
	ErrModuleBadInput = errors.New("invalid module")
	ErrAmbiguousPort  = errors.New("origin port already connected to another target")
	ErrEdgeNotFound   = errors.New("edge not found")
)

// ModuleGraph is a directed multigraph of modules. Topology is expected to be
// built before routing starts; reads are safe from any goroutine.
type ModuleGraph struct {
	mu sync.RWMutex

	vertices []Module
	byName   map[string]Module
	edges    []*ModuleGraphEdge
	outEdges map[string][]*ModuleGraphEdge
	inEdges  map[string][]*ModuleGraphEdge
	nextID   int
}

// NewModuleGraph creates an empty graph.
func NewModuleGraph() *ModuleGraph {
	return &ModuleGraph{
		byName:   make(map[string]Module),
		outEdges: make(map[string][]*ModuleGraphEdge),
		inEdges:  make(map[string][]*ModuleGraphEdge),
	}
}

//
// ---------- Vertices ----------
//

// AddVertex adds a module. Names must be unique.
func (g *ModuleGraph) AddVertex(m Module) error {
	if m == nil || m.Name() == "" {
		return fmt.Errorf("%w: nil module or empty name", ErrModuleBadInput)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.byName[m.Name()]; exists {
		return fmt.Errorf("%w: %q", ErrModuleExists, m.Name())
	}
	g.vertices = append(g.vertices, m)
	g.byName[m.Name()] = m
	return nil
}

// Vertex returns the module with the given name or nil.
func (g *ModuleGraph) Vertex(name string) Module {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.byName[name]
}

// ContainsVertex reports whether a module with that name is part of the graph.
func (g *ModuleGraph) ContainsVertex(name string) bool {
	return g.Vertex(name) != nil
}

// Vertices returns the modules in insertion order.
func (g *ModuleGraph) Vertices() []Module {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Module, len(g.vertices))
	copy(out, g.vertices)
	return out
}

//
// ---------- Edges ----------
//

// AddEdge connects source/originPort to target/targetPort. Both modules must
// already be vertices. A (source, originPort) pair may only lead to one
// target.
func (g *ModuleGraph) AddEdge(source, target Module, originPort, targetPort int, forcingEnabled bool) (*ModuleGraphEdge, error) {
	if source == nil || target == nil {
		return nil, fmt.Errorf("%w: nil edge endpoint", ErrModuleBadInput)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.byName[source.Name()]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrModuleNotFound, source.Name())
	}
	if _, ok := g.byName[target.Name()]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrModuleNotFound, target.Name())
	}
	for _, e := range g.outEdges[source.Name()] {
		if e.OriginPort == originPort && e.Target.Name() != target.Name() {
			return nil, fmt.Errorf("%w: %s port %d -> %s", ErrAmbiguousPort, source.Name(), originPort, e.Target.Name())
		}
	}

	edge := &ModuleGraphEdge{
		ID:               g.nextID,
		Source:           source,
		Target:           target,
		OriginPort:       originPort,
		TargetPort:       targetPort,
		IsForcingEnabled: forcingEnabled,
	}
	g.nextID++
	g.edges = append(g.edges, edge)
	g.outEdges[source.Name()] = append(g.outEdges[source.Name()], edge)
	g.inEdges[target.Name()] = append(g.inEdges[target.Name()], edge)
	return edge, nil
}

// Edges returns all edges in insertion order.
func (g *ModuleGraph) Edges() []*ModuleGraphEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*ModuleGraphEdge, len(g.edges))
	copy(out, g.edges)
	return out
}

// OutEdges returns the edges leaving m.
func (g *ModuleGraph) OutEdges(m Module) []*ModuleGraphEdge {
	if m == nil {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	src := g.outEdges[m.Name()]
	out := make([]*ModuleGraphEdge, len(src))
	copy(out, src)
	return out
}

// InEdges returns the edges entering m.
func (g *ModuleGraph) InEdges(m Module) []*ModuleGraphEdge {
	if m == nil {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	src := g.inEdges[m.Name()]
	out := make([]*ModuleGraphEdge, len(src))
	copy(out, src)
	return out
}

// EdgeFrom returns the edge leaving source through originPort, or nil.
func (g *ModuleGraph) EdgeFrom(source Module, originPort int) *ModuleGraphEdge {
	if source == nil {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, e := range g.outEdges[source.Name()] {
		if e.startsAt(source, originPort) {
			return e
		}
	}
	return nil
}
