package routing

import (
	"context"
	"testing"

	"github.com/signalsfoundry/linerouter/core"
	"github.com/signalsfoundry/linerouter/internal/module"
	"github.com/signalsfoundry/linerouter/model"
)

type testLine struct {
	t       *testing.T
	graph   *core.ModuleGraph
	modules map[string]*module.Module
}

func newTestLine(t *testing.T) *testLine {
	t.Helper()
	return &testLine{t: t, graph: core.NewModuleGraph(), modules: make(map[string]*module.Module)}
}

// add creates a running, initialised module with capacity 5.
func (l *testLine) add(name string, typeID int) *module.Module {
	l.t.Helper()
	m := module.New(module.Config{Name: name, TypeID: typeID, MaxCapacity: 5})
	ctx := context.Background()
	if err := m.Initialize(ctx); err != nil {
		l.t.Fatalf("Initialize(%s): %v", name, err)
	}
	if err := m.Start(ctx); err != nil {
		l.t.Fatalf("Start(%s): %v", name, err)
	}
	if err := l.graph.AddVertex(m); err != nil {
		l.t.Fatalf("AddVertex(%s): %v", name, err)
	}
	l.modules[name] = m
	return m
}

// addUninitialized creates a module that has not finished initialising.
func (l *testLine) addUninitialized(name string, typeID int) *module.Module {
	l.t.Helper()
	m := module.New(module.Config{Name: name, TypeID: typeID, MaxCapacity: 5})
	if err := l.graph.AddVertex(m); err != nil {
		l.t.Fatalf("AddVertex(%s): %v", name, err)
	}
	l.modules[name] = m
	return m
}

func (l *testLine) connect(source string, sourcePort int, target string, targetPort int) {
	l.t.Helper()
	if _, err := l.graph.AddEdge(l.modules[source], l.modules[target], sourcePort, targetPort, true); err != nil {
		l.t.Fatalf("AddEdge(%s:%d -> %s:%d): %v", source, sourcePort, target, targetPort, err)
	}
}

func (l *testLine) calculator() *RouteCalculator {
	l.t.Helper()
	c, err := NewRouteCalculator(l.graph)
	if err != nil {
		l.t.Fatalf("NewRouteCalculator: %v", err)
	}
	return c
}

func (l *testLine) forcing() *ForcingRouteCalculator {
	l.t.Helper()
	f, err := NewForcingRouteCalculator(l.calculator())
	if err != nil {
		l.t.Fatalf("NewForcingRouteCalculator: %v", err)
	}
	l.t.Cleanup(f.Close)
	return f
}

// placeItem puts an item with the given route types at module name and marks
// the first `fulfilled` steps as done. A route always has its first step
// fulfilled, so fulfilled must be at least 1.
func (l *testLine) placeItem(name string, id int64, fulfilled int, types ...int) *model.PlatformItem {
	l.t.Helper()
	route := model.NewRouteFromTypes(types...)
	for i := 1; i < fulfilled; i++ {
		route.Advance()
	}
	item := model.NewPlatformItem(id, route)
	l.modules[name].AddItem(item)
	return item
}

func (l *testLine) fill(name string, count int) {
	l.t.Helper()
	for i := 0; i < count; i++ {
		l.modules[name].AddItem(model.NewPlatformItem(int64(1000+i)+int64(len(name))*100, nil))
	}
}

func assertRouted(t *testing.T, m *module.Module, id int64, wantPort int) {
	t.Helper()
	port, ok := m.ItemRouting(id)
	if !ok {
		t.Fatalf("%s has no routing for item %d (routings %v)", m.Name(), id, m.ItemRoutings())
	}
	if port != wantPort {
		t.Fatalf("%s routes item %d to port %d, want %d", m.Name(), id, port, wantPort)
	}
}
