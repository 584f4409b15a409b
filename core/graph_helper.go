package core

// GraphHelper answers read-only structural questions about a ModuleGraph.
// Modules that are not part of the graph yield empty results.
type GraphHelper struct {
	graph *ModuleGraph
}

// NewGraphHelper wraps g.
func NewGraphHelper(g *ModuleGraph) GraphHelper {
	return GraphHelper{graph: g}
}

// FindSourceModules returns modules without incoming edges.
func (h GraphHelper) FindSourceModules() []Module {
	if h.graph == nil {
		return nil
	}
	var out []Module
	for _, m := range h.graph.Vertices() {
		if len(h.graph.InEdges(m)) == 0 {
			out = append(out, m)
		}
	}
	return out
}

// FindSinkModules returns modules without outgoing edges.
func (h GraphHelper) FindSinkModules() []Module {
	if h.graph == nil {
		return nil
	}
	var out []Module
	for _, m := range h.graph.Vertices() {
		if len(h.graph.OutEdges(m)) == 0 {
			out = append(out, m)
		}
	}
	return out
}

// FindUpstreamModules returns the direct predecessors of m.
func (h GraphHelper) FindUpstreamModules(m Module) []Module {
	if h.graph == nil {
		return nil
	}
	var out []Module
	for _, e := range h.graph.InEdges(m) {
		out = appendUnique(out, e.Source)
	}
	return out
}

// FindDownstreamModules returns the direct successors of m.
func (h GraphHelper) FindDownstreamModules(m Module) []Module {
	if h.graph == nil {
		return nil
	}
	var out []Module
	for _, e := range h.graph.OutEdges(m) {
		out = appendUnique(out, e.Target)
	}
	return out
}

func appendUnique(list []Module, m Module) []Module {
	for _, existing := range list {
		if existing.Name() == m.Name() {
			return list
		}
	}
	return append(list, m)
}

// Names maps modules to their names, preserving order.
func Names(modules []Module) []string {
	out := make([]string, 0, len(modules))
	for _, m := range modules {
		out = append(out, m.Name())
	}
	return out
}
