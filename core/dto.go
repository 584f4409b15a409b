package core

// ModuleGraphDTO is a flat, serialisable snapshot of the graph for
// diagnostics and UIs.
type ModuleGraphDTO struct {
	Vertices []ModuleDTO `json:"vertices"`
	Edges    []EdgeDTO   `json:"edges"`
}

// ModuleDTO describes one vertex.
type ModuleDTO struct {
	Name             string `json:"name"`
	ModuleTypeID     int    `json:"moduleTypeId"`
	State            string `json:"state"`
	CurrentItemCount int    `json:"currentItemCount"`
	MaxCapacity      int    `json:"maxCapacity"`
	LimitItemCount   int    `json:"limitItemCount,omitempty"`
}

// EdgeDTO describes one edge.
type EdgeDTO struct {
	ID               int    `json:"id"`
	SourceName       string `json:"sourceName"`
	TargetName       string `json:"targetName"`
	OriginPort       int    `json:"originPort"`
	TargetPort       int    `json:"targetPort"`
	IsForcingEnabled bool   `json:"isForcingEnabled"`
}

// ToDTO snapshots the graph, including the live state of every module.
func (g *ModuleGraph) ToDTO() ModuleGraphDTO {
	dto := ModuleGraphDTO{
		Vertices: []ModuleDTO{},
		Edges:    []EdgeDTO{},
	}
	for _, m := range g.Vertices() {
		dto.Vertices = append(dto.Vertices, ModuleDTO{
			Name:             m.Name(),
			ModuleTypeID:     m.ModuleTypeID(),
			State:            m.State().String(),
			CurrentItemCount: m.CurrentItemCount(),
			MaxCapacity:      m.MaxCapacity(),
			LimitItemCount:   m.LimitItemCount(),
		})
	}
	for _, e := range g.Edges() {
		dto.Edges = append(dto.Edges, EdgeDTO{
			ID:               e.ID,
			SourceName:       e.Source.Name(),
			TargetName:       e.Target.Name(),
			OriginPort:       e.OriginPort,
			TargetPort:       e.TargetPort,
			IsForcingEnabled: e.IsForcingEnabled,
		})
	}
	return dto
}
