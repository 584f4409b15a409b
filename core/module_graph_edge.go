package core

// ModuleGraphEdge is a directed, port-to-port connection between two modules.
// Source, Target and the ports are fixed at construction.
type ModuleGraphEdge struct {
	ID         int
	Source     Module
	Target     Module
	OriginPort int
	TargetPort int
	// IsForcingEnabled allows operators to force all traffic over this edge.
	IsForcingEnabled bool
}

// startsAt reports whether the edge starts at source/port.
func (e *ModuleGraphEdge) startsAt(source Module, port int) bool {
	return e.Source.Name() == source.Name() && e.OriginPort == port
}
