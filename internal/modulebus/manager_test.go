package modulebus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/signalsfoundry/linerouter/core"
	"github.com/signalsfoundry/linerouter/internal/alarm"
	"github.com/signalsfoundry/linerouter/internal/config"
	"github.com/signalsfoundry/linerouter/internal/eventbus"
	"github.com/signalsfoundry/linerouter/internal/logging"
	"github.com/signalsfoundry/linerouter/internal/module"
	"github.com/signalsfoundry/linerouter/model"
)

type fakeMetrics struct {
	mu         sync.Mutex
	events     map[model.EventType]int
	routed     int
	noRoute    int
	lost       int
	duplicates int
	items      map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{events: make(map[model.EventType]int), items: make(map[string]int)}
}

func (f *fakeMetrics) IncItemEvent(t model.EventType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[t]++
}

func (f *fakeMetrics) ObserveRoutingDecision(routed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if routed {
		f.routed++
	} else {
		f.noRoute++
	}
}

func (f *fakeMetrics) IncItemsLost() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost++
}

func (f *fakeMetrics) IncDuplicateItems() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.duplicates++
}

func (f *fakeMetrics) SetModuleItems(name string, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[name] = count
}

type fixture struct {
	t       *testing.T
	mgr     *Manager
	bus     *eventbus.ItemBus
	log     *logging.Recorder
	alarms  *alarm.Registry
	metrics *fakeMetrics
}

// newFixture constructs, initializes and activates a manager for line.
func newFixture(t *testing.T, line config.Line, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		bus:     eventbus.NewItemBus(),
		log:     logging.NewRecorder(),
		metrics: newFakeMetrics(),
	}
	f.alarms = alarm.NewRegistry(f.log)
	opts = append([]Option{WithAlarmManager(f.alarms), WithMetrics(f.metrics)}, opts...)
	f.mgr = New(line, f.bus, f.log, opts...)

	ctx := context.Background()
	if err := f.mgr.Construct(ctx); err != nil {
		t.Fatalf("Construct: %v", err)
	}
	if err := f.mgr.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := f.mgr.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	f.mgr.Flush()
	t.Cleanup(f.mgr.Close)
	return f
}

func (f *fixture) mod(name string) *module.Module {
	f.t.Helper()
	m, ok := f.mgr.Module(name).(*module.Module)
	if !ok {
		f.t.Fatalf("module %q not found", name)
	}
	return m
}

func (f *fixture) create(at string, id int64, types ...int) *model.PlatformItem {
	f.t.Helper()
	item := model.NewPlatformItem(id, model.NewRouteFromTypes(types...))
	f.mod(at).ReportNewItem(item)
	f.mgr.Flush()
	return item
}

func (f *fixture) detect(at string, id int64) {
	f.t.Helper()
	f.mod(at).ReportDetected(id)
	f.mgr.Flush()
}

func (f *fixture) leave(from string, id int64, port int) {
	f.t.Helper()
	f.mod(from).ReportLeft(id, port)
	f.mgr.Flush()
}

func line(modules []config.Module, edges ...config.Edge) config.Line {
	return config.Line{Name: "test", Modules: modules, Edges: edges}
}

func mods(pairs ...any) []config.Module {
	out := make([]config.Module, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, config.Module{Name: pairs[i].(string), Type: pairs[i+1].(int), MaxCapacity: 10})
	}
	return out
}

func edge(source string, sourcePort int, target string, targetPort int) config.Edge {
	return config.Edge{Source: source, SourcePort: sourcePort, Target: target, TargetPort: targetPort, ForcingEnabled: true}
}

func assertItemRouting(t *testing.T, m *module.Module, id int64, wantPort int) {
	t.Helper()
	port, ok := m.ItemRouting(id)
	if !ok {
		t.Fatalf("%s has no routing for item %d", m.Name(), id)
	}
	if port != wantPort {
		t.Fatalf("%s routes item %d to port %d, want %d", m.Name(), id, port, wantPort)
	}
}

func assertNoItemRoutings(t *testing.T, m *module.Module) {
	t.Helper()
	if got := m.ItemRoutings(); len(got) != 0 {
		t.Fatalf("%s item routings = %v, want none", m.Name(), got)
	}
}

func assertIndex(t *testing.T, item *model.PlatformItem, want int) {
	t.Helper()
	if got := item.Route.CurrentIndex(); got != want {
		t.Fatalf("CurrentIndex = %d, want %d", got, want)
	}
}

func TestManager_LinearRouteCompletion(t *testing.T) {
	f := newFixture(t, line(mods("A", 1, "C", 3, "D", 4),
		edge("A", 0, "C", 0),
		edge("C", 0, "D", 0),
	))
	a, c, d := f.mod("A"), f.mod("C"), f.mod("D")

	item := f.create("A", 1, 1, 3, 4)
	assertIndex(t, item, 0)
	assertItemRouting(t, a, 1, 0)

	f.detect("C", 1)
	assertIndex(t, item, 1)
	assertNoItemRoutings(t, a)
	assertItemRouting(t, c, 1, 0)

	f.detect("D", 1)
	assertIndex(t, item, 2)
	assertNoItemRoutings(t, c)
	assertNoItemRoutings(t, d)

	if !d.ContainsItem(1) || a.ContainsItem(1) || c.ContainsItem(1) {
		t.Fatalf("item ownership wrong: A=%v C=%v D=%v", a.ContainsItem(1), c.ContainsItem(1), d.ContainsItem(1))
	}
}

func TestManager_WrongModuleDetectionRoutesBack(t *testing.T) {
	f := newFixture(t, line(mods("A", 1, "B", 2, "C", 3),
		edge("A", 0, "C", 0),
		edge("A", 1, "B", 0),
		edge("B", 0, "A", 1),
	))

	item := f.create("A", 1, 1, 3)
	assertIndex(t, item, 0)

	f.detect("B", 1)
	assertIndex(t, item, 0)
	assertItemRouting(t, f.mod("B"), 1, 0)
	assertNoItemRoutings(t, f.mod("A"))
}

func TestManager_TargetPortFullBlocksRouting(t *testing.T) {
	f := newFixture(t, line(mods("A", 1, "B", 2), edge("A", 0, "B", 0)))
	a, b := f.mod("A"), f.mod("B")
	b.SetPortFull(0, true)
	f.mgr.Flush()

	f.create("A", 1, 1, 2)
	assertNoItemRoutings(t, a)

	f.detect("A", 1)
	assertNoItemRoutings(t, a)
}

func TestManager_WaitingItemRoutedWhenPortFrees(t *testing.T) {
	f := newFixture(t, line(mods("A", 1, "B", 2), edge("A", 0, "B", 0)))
	a, b := f.mod("A"), f.mod("B")
	b.SetPortFull(0, true)
	f.mgr.Flush()

	f.create("A", 1, 1, 2)
	assertNoItemRoutings(t, a)

	b.SetPortFull(0, false)
	f.mgr.Flush()
	assertItemRouting(t, a, 1, 0)
}

func TestManager_ForcedRouteRespectsTargetState(t *testing.T) {
	f := newFixture(t, line(mods("A", 1, "B", 2), edge("A", 0, "B", 0)))
	a, b := f.mod("A"), f.mod("B")
	ctx := context.Background()

	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.mgr.ForcePath(ctx, "A", "B", 0, 0); err != nil {
		t.Fatalf("ForcePath: %v", err)
	}
	f.mgr.Flush()
	if got := a.PortRoutings(); len(got) != 0 {
		t.Fatalf("A port routings = %v, want none while B is stopped", got)
	}

	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.mgr.Flush()
	if diff := cmp.Diff([]int{0}, a.PortRoutings()); diff != "" {
		t.Fatalf("A port routings mismatch (-want +got):\n%s", diff)
	}

	if err := f.mgr.ReleaseForcePath(ctx, "A", "B", 0, 0); err != nil {
		t.Fatalf("ReleaseForcePath: %v", err)
	}
	f.mgr.Flush()
	if got := a.PortRoutings(); len(got) != 0 {
		t.Fatalf("A port routings = %v after release", got)
	}
}

func TestManager_ConfiguredOverridesApplied(t *testing.T) {
	l := line(mods("A", 1, "B", 2), edge("A", 0, "B", 0))
	l.Forces = []config.Force{{Source: "A", SourcePort: 0}}
	l.IgnoreDownstream = []string{"A"}
	f := newFixture(t, l)

	if diff := cmp.Diff(map[string][]int{"A": {0}}, f.mgr.CurrentForcedPorts()); diff != "" {
		t.Fatalf("forced ports mismatch (-want +got):\n%s", diff)
	}
	if !f.mgr.GetIgnoreDownstreamModule("A") {
		t.Fatalf("ignore downstream for A not applied")
	}
	if diff := cmp.Diff([]int{0}, f.mod("A").PortRoutings()); diff != "" {
		t.Fatalf("A port routings mismatch (-want +got):\n%s", diff)
	}
}

func TestManager_CreationFulfilsRepeatedLeadingStep(t *testing.T) {
	f := newFixture(t, line(mods("A", 1, "B", 2), edge("A", 0, "B", 0)))

	item := f.create("A", 1, 1, 1, 2)
	assertIndex(t, item, 1)
	assertItemRouting(t, f.mod("A"), 1, 0)

	f.detect("B", 1)
	assertIndex(t, item, 2)
	if !item.Route.IsComplete() {
		t.Fatalf("route not complete after reaching B")
	}
}

func TestManager_CreationAtOtherModuleTypeTargetsSecondStep(t *testing.T) {
	f := newFixture(t, line(mods("X", 9, "B", 2), edge("X", 0, "B", 0)))

	item := f.create("X", 1, 1, 2)
	assertIndex(t, item, 0)
	assertItemRouting(t, f.mod("X"), 1, 0)

	f.detect("B", 1)
	assertIndex(t, item, 1)
}

func TestManager_RecreatedItemReplacesHeldCopy(t *testing.T) {
	f := newFixture(t, line(mods("A", 1, "B", 2), edge("A", 0, "B", 0)))
	a := f.mod("A")

	first := f.create("A", 1, 1, 2)
	second := f.create("A", 1, 1, 2)

	if got := a.Item(1); got != second || got == first {
		t.Fatalf("A does not hold the re-created copy")
	}
	if got := a.CurrentItemCount(); got != 1 {
		t.Fatalf("A item count = %d, want 1", got)
	}
	assertIndex(t, second, 0)
	assertItemRouting(t, a, 1, 0)
	entries := second.Log()
	if len(entries) == 0 || !strings.Contains(entries[0].Message, "re-created") {
		t.Fatalf("item log = %+v, want re-created annotation", entries)
	}
	if f.metrics.duplicates != 1 {
		t.Fatalf("duplicate metric = %d, want 1", f.metrics.duplicates)
	}
}

func TestManager_DuplicateItemIDResolution(t *testing.T) {
	f := newFixture(t, line(mods("A", 1, "B", 2), edge("A", 0, "B", 0)))

	f.create("A", 1, 1, 2)
	second := f.create("B", 1, 2)

	if got := f.log.Count("warn"); got < 1 {
		t.Fatalf("warnings logged = %d, want at least 1", got)
	}
	if got := f.mod("A").CurrentItemCount(); got != 0 {
		t.Fatalf("A item count = %d, want 0", got)
	}
	if got := f.mod("B").CurrentItemCount(); got != 1 {
		t.Fatalf("B item count = %d, want 1", got)
	}
	if f.mod("B").Item(1) != second {
		t.Fatalf("B does not hold the newly created item")
	}
	entries := second.Log()
	if len(entries) == 0 || !strings.Contains(entries[0].Message, "duplicate") {
		t.Fatalf("item log = %+v, want duplicate annotation", entries)
	}
	if f.metrics.duplicates != 1 {
		t.Fatalf("duplicate metric = %d, want 1", f.metrics.duplicates)
	}
}

func TestManager_RepeatedDetectionIsIdempotent(t *testing.T) {
	f := newFixture(t, line(mods("A", 1, "B", 2), edge("A", 0, "B", 0)))
	item := f.create("A", 1, 1, 2)
	a := f.mod("A")

	var mu sync.Mutex
	changes := 0
	unsubscribe := a.OnItemCountChanged(func(int) {
		mu.Lock()
		changes++
		mu.Unlock()
	})
	defer unsubscribe()
	logBefore := len(item.Log())

	f.detect("A", 1)
	f.detect("A", 1)

	mu.Lock()
	defer mu.Unlock()
	if changes != 0 {
		t.Fatalf("count-changed fired %d times on re-detection", changes)
	}
	if got := a.CurrentItemCount(); got != 1 {
		t.Fatalf("A item count = %d, want 1", got)
	}
	if got := len(item.Log()); got != logBefore {
		t.Fatalf("item log grew from %d to %d", logBefore, got)
	}
	assertIndex(t, item, 0)
}

func TestManager_RouteIndexIsMonotonic(t *testing.T) {
	f := newFixture(t, line(mods("A", 1, "C", 3, "D", 4),
		edge("A", 0, "C", 0),
		edge("C", 0, "D", 0),
		edge("C", 1, "A", 1),
	))

	item := f.create("A", 1, 1, 3, 4)
	seen := []int{item.Route.CurrentIndex()}
	for _, at := range []string{"C", "A", "C", "D", "A"} {
		f.detect(at, 1)
		seen = append(seen, item.Route.CurrentIndex())
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("CurrentIndex decreased: %v", seen)
		}
	}
	if diff := cmp.Diff([]int{0, 1, 1, 1, 2, 2}, seen); diff != "" {
		t.Fatalf("index progression mismatch (-want +got):\n%s", diff)
	}
}

func TestManager_ItemLeftMovesOrLosesItem(t *testing.T) {
	f := newFixture(t, line(mods("A", 1, "B", 2), edge("A", 0, "B", 0)))
	item := f.create("A", 1, 1, 2)

	f.leave("A", 1, 0)
	if !f.mod("B").ContainsItem(1) || f.mod("A").ContainsItem(1) {
		t.Fatalf("item not handed from A to B")
	}
	assertIndex(t, item, 1)

	f.leave("B", 1, 0)
	if f.mod("B").ContainsItem(1) {
		t.Fatalf("item still held after leaving a sink")
	}
	if f.metrics.lost != 1 {
		t.Fatalf("lost metric = %d, want 1", f.metrics.lost)
	}
}

func TestManager_UntrackedDetectionSynthesizesItem(t *testing.T) {
	f := newFixture(t, line(mods("A", 1, "B", 2), edge("A", 0, "B", 0)))

	f.detect("B", 42)
	item := f.mod("B").Item(42)
	if item == nil {
		t.Fatalf("detected item not tracked")
	}
	if item.Route != nil {
		t.Fatalf("synthesized item should have no route")
	}
}

func TestManager_NewItemWithoutPayloadPanics(t *testing.T) {
	f := newFixture(t, line(mods("A", 1)))
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for NewItemCreated without item")
		}
	}()
	f.mgr.OnPlatformItemEvent(context.Background(), model.PlatformItemEvent{
		ItemID: 1,
		Module: "A",
		Type:   model.NewItemCreated,
	})
}

func TestManager_EventsIgnoredForUnknownModuleOrBeforeInitialize(t *testing.T) {
	bus := eventbus.NewItemBus()
	mgr := New(line(mods("A", 1)), bus, nil)
	ctx := context.Background()
	if err := mgr.Construct(ctx); err != nil {
		t.Fatalf("Construct: %v", err)
	}
	// No panic and no effect before Initialize, even for a contract violation.
	mgr.OnPlatformItemEvent(ctx, model.PlatformItemEvent{ItemID: 1, Module: "A", Type: model.NewItemCreated})
	if mgr.Module("A").CurrentItemCount() != 0 {
		t.Fatalf("event applied before Initialize")
	}

	f := newFixture(t, line(mods("A", 1)))
	f.mgr.OnPlatformItemEvent(ctx, model.PlatformItemEvent{ItemID: 1, Module: "ghost", Type: model.ItemDetected})
	if f.mod("A").CurrentItemCount() != 0 {
		t.Fatalf("event from unknown module applied")
	}
}

func TestManager_IgnoreDownstreamRaisesMemoizedAlarm(t *testing.T) {
	f := newFixture(t, line(mods("A", 1, "B", 2), edge("A", 0, "B", 0)))
	ctx := context.Background()

	if err := f.mgr.SetIgnoreDownstreamModule(ctx, "A", true); err != nil {
		t.Fatalf("SetIgnoreDownstreamModule: %v", err)
	}
	if err := f.mgr.SetIgnoreDownstreamModule(ctx, "A", true); err != nil {
		t.Fatalf("SetIgnoreDownstreamModule: %v", err)
	}
	active := f.alarms.Active()
	if len(active) != 1 || active[0].Module != "A" || active[0].Level != model.AlarmWarning {
		t.Fatalf("active alarms = %+v, want one warning for A", active)
	}
	firstID := active[0].ID

	if err := f.mgr.SetIgnoreDownstreamModule(ctx, "A", false); err != nil {
		t.Fatalf("SetIgnoreDownstreamModule: %v", err)
	}
	if got := f.alarms.Active(); len(got) != 0 {
		t.Fatalf("alarms still active: %+v", got)
	}

	if err := f.mgr.SetIgnoreDownstreamModule(ctx, "A", true); err != nil {
		t.Fatalf("SetIgnoreDownstreamModule: %v", err)
	}
	if !f.alarms.IsActive(firstID) {
		t.Fatalf("alarm for A was not reused")
	}

	if err := f.mgr.SetIgnoreDownstreamModule(ctx, "nope", true); !errors.Is(err, core.ErrModuleNotFound) {
		t.Fatalf("unknown module error = %v, want ErrModuleNotFound", err)
	}
}

func TestManager_LifecycleErrors(t *testing.T) {
	ctx := context.Background()
	mgr := New(line(mods("A", 1, "B", 2), edge("A", 0, "B", 0)), nil, nil)

	if err := mgr.Initialize(ctx); !errors.Is(err, ErrNotConstructed) {
		t.Fatalf("Initialize before Construct error = %v, want ErrNotConstructed", err)
	}
	if err := mgr.Construct(ctx); err != nil {
		t.Fatalf("Construct: %v", err)
	}
	if err := mgr.ForcePath(ctx, "A", "B", 0, 0); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("ForcePath before Initialize error = %v, want ErrNotInitialized", err)
	}
	if err := mgr.Activate(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Activate before Initialize error = %v, want ErrNotInitialized", err)
	}
	if err := mgr.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer mgr.Close()
	if err := mgr.ForcePath(ctx, "A", "X", 0, 0); !errors.Is(err, core.ErrModuleNotFound) {
		t.Fatalf("ForcePath to unknown module error = %v, want ErrModuleNotFound", err)
	}
	if mgr.IsRoutePossible("A", "X") {
		t.Fatalf("IsRoutePossible to unknown module = true")
	}
}

func TestManager_ConstructRejectsDuplicateModules(t *testing.T) {
	mgr := New(line(mods("A", 1, "A", 2)), nil, nil)
	if err := mgr.Construct(context.Background()); !errors.Is(err, core.ErrModuleExists) {
		t.Fatalf("Construct error = %v, want ErrModuleExists", err)
	}
}

func TestManager_IsRoutePossibleAndGraphDTO(t *testing.T) {
	f := newFixture(t, line(mods("A", 1, "B", 2), edge("A", 0, "B", 1)))

	if !f.mgr.IsRoutePossible("A", "B") {
		t.Fatalf("IsRoutePossible(A, B) = false")
	}
	if f.mgr.IsRoutePossible("B", "A") {
		t.Fatalf("IsRoutePossible(B, A) = true")
	}

	dto := f.mgr.GraphDTO()
	want := []core.EdgeDTO{{ID: 0, SourceName: "A", TargetName: "B", OriginPort: 0, TargetPort: 1, IsForcingEnabled: true}}
	if diff := cmp.Diff(want, dto.Edges); diff != "" {
		t.Fatalf("edges mismatch (-want +got):\n%s", diff)
	}
	if len(dto.Vertices) != 2 || dto.Vertices[0].State != model.StateRun.String() {
		t.Fatalf("vertices = %+v", dto.Vertices)
	}
}

func TestManager_CloseStopsHandlingEvents(t *testing.T) {
	var mu sync.Mutex
	triggers := map[string]int{}
	f := newFixture(t, line(mods("A", 1, "B", 2), edge("A", 0, "B", 0)),
		WithTriggerObserver(func(name string, _ bool) {
			mu.Lock()
			triggers[name]++
			mu.Unlock()
		}))

	f.create("A", 1, 1, 2)
	mu.Lock()
	if triggers[SchedulerForcing] == 0 || triggers[SchedulerRetry] == 0 {
		t.Fatalf("trigger observer saw %v", triggers)
	}
	mu.Unlock()

	f.mgr.Close()
	if got := f.bus.Subscribers(); got != 0 {
		t.Fatalf("bus subscribers after Close = %d", got)
	}
	f.mod("A").ReportNewItem(model.NewPlatformItem(2, nil))
	if f.mod("A").ContainsItem(2) {
		t.Fatalf("event handled after Close")
	}
}
