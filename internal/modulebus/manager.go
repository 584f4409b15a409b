// Package modulebus ties modules, the item event bus and the route
// calculators together. Manager reacts to item lifecycle events and module
// state changes and keeps every module's routing instructions current.
package modulebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/linerouter/core"
	"github.com/signalsfoundry/linerouter/internal/alarm"
	"github.com/signalsfoundry/linerouter/internal/config"
	"github.com/signalsfoundry/linerouter/internal/eventbus"
	"github.com/signalsfoundry/linerouter/internal/logging"
	"github.com/signalsfoundry/linerouter/internal/module"
	"github.com/signalsfoundry/linerouter/internal/routing"
	"github.com/signalsfoundry/linerouter/internal/scheduler"
	"github.com/signalsfoundry/linerouter/model"
)

const tracerName = "github.com/signalsfoundry/linerouter/internal/modulebus"

var (
	ErrNotConstructed = errors.New("module bus not constructed")
	ErrNotInitialized = errors.New("module bus not initialized")
)

// Scheduler names reported to the trigger observer.
const (
	SchedulerForcing = "forcing"
	SchedulerRetry   = "retry"
)

// Metrics receives item flow measurements. Implementations must be safe for
// concurrent use.
type Metrics interface {
	IncItemEvent(t model.EventType)
	ObserveRoutingDecision(routed bool)
	IncItemsLost()
	IncDuplicateItems()
	SetModuleItems(module string, count int)
}

type noopMetrics struct{}

func (noopMetrics) IncItemEvent(model.EventType) {}
func (noopMetrics) ObserveRoutingDecision(bool)  {}
func (noopMetrics) IncItemsLost()                {}
func (noopMetrics) IncDuplicateItems()           {}
func (noopMetrics) SetModuleItems(string, int)   {}

// ModuleFactory builds one module from its configuration. The module should
// report its item events on bus.
type ModuleFactory func(cfg config.Module, bus *eventbus.ItemBus, log logging.Logger) core.Module

// DefaultModuleFactory builds in-memory modules.
func DefaultModuleFactory(cfg config.Module, bus *eventbus.ItemBus, log logging.Logger) core.Module {
	return module.New(module.Config{
		Name:           cfg.Name,
		TypeID:         cfg.Type,
		MaxCapacity:    cfg.MaxCapacity,
		LimitItemCount: cfg.Limit,
	}, module.WithPublisher(bus), module.WithLogger(log))
}

type initializer interface {
	Initialize(ctx context.Context) error
}

type starter interface {
	Start(ctx context.Context) error
}

// Option customises a Manager.
type Option func(*Manager)

func WithModuleFactory(f ModuleFactory) Option {
	return func(m *Manager) {
		if f != nil {
			m.factory = f
		}
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithRoutingRecorder forwards route calculation measurements.
func WithRoutingRecorder(r routing.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

func WithAlarmManager(a alarm.Manager) Option {
	return func(m *Manager) {
		if a != nil {
			m.alarms = a
		}
	}
}

// WithCoalesceWindow sets the debounce window of both recalculation
// schedulers.
func WithCoalesceWindow(d time.Duration) Option {
	return func(m *Manager) { m.window = d }
}

// WithTriggerObserver observes every scheduled recalculation request.
func WithTriggerObserver(fn func(scheduler string, coalesced bool)) Option {
	return func(m *Manager) { m.onTrigger = fn }
}

// Manager is the module bus manager. Its lifecycle is Construct, Initialize,
// Activate; Close releases every subscription.
type Manager struct {
	line config.Line
	bus  *eventbus.ItemBus
	log  logging.Logger

	factory   ModuleFactory
	metrics   Metrics
	recorder  routing.Recorder
	alarms    alarm.Manager
	window    time.Duration
	onTrigger func(scheduler string, coalesced bool)

	// lifecycle guards the fields below it.
	lifecycle   sync.RWMutex
	graph       *core.ModuleGraph
	calculator  *routing.ForcingRouteCalculator
	retry       *scheduler.SingleAction
	initialized bool
	unsubscribe []func()

	// events serialises item event handling with the waiting-item retry.
	events sync.Mutex

	ignoreAlarms sync.Map // module name -> *model.Alarm
}

// New creates a manager for line. Item events are read from bus.
func New(line config.Line, bus *eventbus.ItemBus, log logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		line:    line,
		bus:     bus,
		log:     logging.OrNoop(log),
		factory: DefaultModuleFactory,
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.bus == nil {
		m.bus = eventbus.NewItemBus()
	}
	if m.alarms == nil {
		m.alarms = alarm.NewRegistry(m.log)
	}
	return m
}

//
// ---------- Lifecycle ----------
//

// Construct builds the modules and the graph from the line configuration.
// Calling it again is a no-op.
func (m *Manager) Construct(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.graph != nil {
		return nil
	}

	g := core.NewModuleGraph()
	for _, mc := range m.line.Modules {
		mod := m.factory(mc, m.bus, m.log)
		if err := g.AddVertex(mod); err != nil {
			return fmt.Errorf("construct line %q: %w", m.line.Name, err)
		}
	}
	for _, ec := range m.line.Edges {
		source, target := g.Vertex(ec.Source), g.Vertex(ec.Target)
		if source == nil {
			return fmt.Errorf("construct line %q: edge source: %w: %q", m.line.Name, core.ErrModuleNotFound, ec.Source)
		}
		if target == nil {
			return fmt.Errorf("construct line %q: edge target: %w: %q", m.line.Name, core.ErrModuleNotFound, ec.Target)
		}
		if _, err := g.AddEdge(source, target, ec.SourcePort, ec.TargetPort, ec.ForcingEnabled); err != nil {
			return fmt.Errorf("construct line %q: %w", m.line.Name, err)
		}
	}
	m.graph = g

	m.log.Info(ctx, "line constructed",
		logging.String("line", m.line.Name),
		logging.Int("modules", len(m.line.Modules)),
		logging.Int("edges", len(m.line.Edges)),
	)
	return nil
}

// Initialize initialises every module, builds the route calculators and
// subscribes to module and item events. Configured forces and
// ignore-downstream flags are applied last.
func (m *Manager) Initialize(ctx context.Context) error {
	m.lifecycle.Lock()
	if m.graph == nil {
		m.lifecycle.Unlock()
		return ErrNotConstructed
	}
	if m.initialized {
		m.lifecycle.Unlock()
		return nil
	}

	var errs []error
	for _, mod := range m.graph.Vertices() {
		if in, ok := mod.(initializer); ok {
			if err := in.Initialize(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		m.lifecycle.Unlock()
		return fmt.Errorf("initialize modules: %w", err)
	}

	base, err := routing.NewRouteCalculator(m.graph,
		routing.WithLogger(m.log),
		routing.WithRecorder(m.recorder),
	)
	if err != nil {
		m.lifecycle.Unlock()
		return err
	}
	forcing, err := routing.NewForcingRouteCalculator(base,
		routing.WithCoalesceWindow(m.window),
		routing.WithTriggerHook(m.triggerHook(SchedulerForcing)),
	)
	if err != nil {
		m.lifecycle.Unlock()
		return err
	}
	m.calculator = forcing
	m.retry = scheduler.NewSingleAction(
		func() { m.retryWaitingItems(context.Background()) },
		scheduler.WithWindow(m.window),
		scheduler.WithTriggerHook(m.triggerHook(SchedulerRetry)),
	)

	for _, mod := range m.graph.Vertices() {
		name := mod.Name()
		m.unsubscribe = append(m.unsubscribe,
			mod.OnItemCountChanged(func(count int) {
				m.metrics.SetModuleItems(name, count)
				m.scheduleRecalculation()
			}),
			mod.OnStateChanged(func(_, _ model.ModuleState) { m.scheduleRecalculation() }),
			mod.OnPortFullChanged(func(int, bool) { m.scheduleRecalculation() }),
		)
		m.metrics.SetModuleItems(name, mod.CurrentItemCount())
	}
	m.unsubscribe = append(m.unsubscribe, m.bus.Subscribe(func(evt model.PlatformItemEvent) {
		m.OnPlatformItemEvent(context.Background(), evt)
	}))

	helper := core.NewGraphHelper(m.graph)
	m.log.Info(ctx, "module graph initialized",
		logging.Any("sources", core.Names(helper.FindSourceModules())),
		logging.Any("sinks", core.Names(helper.FindSinkModules())),
	)

	m.initialized = true
	m.lifecycle.Unlock()

	return m.applyConfiguredOverrides(ctx)
}

func (m *Manager) applyConfiguredOverrides(ctx context.Context) error {
	var errs []error
	for _, f := range m.line.Forces {
		source := m.graph.Vertex(f.Source)
		e := m.graph.EdgeFrom(source, f.SourcePort)
		if e == nil {
			errs = append(errs, fmt.Errorf("force %s:%d: %w", f.Source, f.SourcePort, core.ErrEdgeNotFound))
			continue
		}
		if err := m.calculator.ForcePath(ctx, e.Source, e.Target, e.OriginPort, e.TargetPort); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range m.line.IgnoreDownstream {
		if err := m.SetIgnoreDownstreamModule(ctx, name, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Activate starts every module that can be started.
func (m *Manager) Activate(ctx context.Context) error {
	if !m.IsInitialized() {
		return ErrNotInitialized
	}
	var errs []error
	for _, mod := range m.graph.Vertices() {
		if s, ok := mod.(starter); ok {
			if err := s.Start(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("activate modules: %w", err)
	}
	m.log.Info(ctx, "line activated", logging.String("line", m.line.Name))
	return nil
}

// Flush blocks until scheduled recalculations have run.
func (m *Manager) Flush() {
	m.lifecycle.RLock()
	forcing, retry := m.calculator, m.retry
	m.lifecycle.RUnlock()
	if forcing == nil {
		return
	}
	// A retry pass can be scheduled by a forcing pass and vice versa only
	// through module events; two rounds cover one such hand-off.
	for i := 0; i < 2; i++ {
		forcing.Wait()
		retry.Wait()
	}
}

// Close unsubscribes from the bus and module events and stops both
// schedulers.
func (m *Manager) Close() {
	m.lifecycle.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	forcing, retry := m.calculator, m.retry
	m.initialized = false
	m.lifecycle.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	if forcing != nil {
		forcing.Close()
	}
	if retry != nil {
		retry.Close()
	}
}

func (m *Manager) IsInitialized() bool {
	m.lifecycle.RLock()
	defer m.lifecycle.RUnlock()
	return m.initialized
}

func (m *Manager) triggerHook(name string) func(bool) {
	if m.onTrigger == nil {
		return nil
	}
	return func(coalesced bool) { m.onTrigger(name, coalesced) }
}

func (m *Manager) scheduleRecalculation() {
	m.lifecycle.RLock()
	forcing, retry := m.calculator, m.retry
	m.lifecycle.RUnlock()
	if forcing == nil {
		return
	}
	forcing.RecalculateRoute()
	retry.Trigger()
}

//
// ---------- Item events ----------
//

// OnPlatformItemEvent applies one item lifecycle event. Events are ignored
// until the manager is initialized and when the reporting module is not part
// of the graph. A NewItemCreated event without NewItem panics.
func (m *Manager) OnPlatformItemEvent(ctx context.Context, evt model.PlatformItemEvent) {
	if !m.IsInitialized() {
		return
	}
	mod := m.graph.Vertex(evt.Module)
	if mod == nil {
		m.log.Debug(ctx, "item event from unknown module ignored",
			logging.Module(evt.Module), logging.ItemID(evt.ItemID))
		return
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "modulebus/OnPlatformItemEvent",
		trace.WithAttributes(
			attribute.String("event.type", evt.Type.String()),
			attribute.String("module", evt.Module),
			attribute.Int64("item.id", evt.ItemID),
		))
	defer span.End()

	m.events.Lock()
	defer m.events.Unlock()

	m.metrics.IncItemEvent(evt.Type)
	switch evt.Type {
	case model.NewItemCreated:
		m.handleNewItem(ctx, evt, mod)
	case model.ItemDetected:
		m.handleDetected(ctx, evt, mod)
	case model.ItemLeft:
		m.handleLeft(ctx, evt, mod)
	default:
		span.SetStatus(codes.Error, "unknown event type")
		m.log.Warn(ctx, "unknown item event type",
			logging.Int("event", int(evt.Type)), logging.Module(evt.Module))
	}
}

func (m *Manager) handleNewItem(ctx context.Context, evt model.PlatformItemEvent, mod core.Module) {
	item := evt.NewItem
	if item == nil {
		panic(fmt.Sprintf("modulebus: %s for item %d at %s carries no item", evt.Type, evt.ItemID, evt.Module))
	}

	if other := m.findOwner(item.ItemID, mod); other != nil {
		m.log.Warn(ctx, "duplicate item id, removing stale copy",
			logging.ItemID(item.ItemID),
			logging.Module(mod.Name()),
			logging.String("stale_module", other.Name()),
		)
		item.AddLog(fmt.Sprintf("duplicate id: removed stale copy from %s", other.Name()))
		other.RemoveItem(item.ItemID)
		m.metrics.IncDuplicateItems()
	}
	if held := mod.Item(item.ItemID); held != nil && held != item {
		m.log.Warn(ctx, "item id re-created, replacing held copy",
			logging.ItemID(item.ItemID), logging.Module(mod.Name()))
		item.AddLog(fmt.Sprintf("re-created at %s: replaced held copy", mod.Name()))
		mod.RemoveItem(item.ItemID)
		m.metrics.IncDuplicateItems()
	}

	mod.AddItem(item)
	m.UpdateRouteIndex(item, mod)
	m.RecalculateRoute(ctx, item, mod)
}

func (m *Manager) handleDetected(ctx context.Context, evt model.PlatformItemEvent, mod core.Module) {
	if owner := m.findOwner(evt.ItemID, mod); owner != nil {
		owner.MoveItem(evt.ItemID, mod)
		item := mod.Item(evt.ItemID)
		m.UpdateRouteIndex(item, mod)
		m.RecalculateRoute(ctx, item, mod)
		return
	}
	if mod.ContainsItem(evt.ItemID) {
		return
	}

	item := model.NewPlatformItem(evt.ItemID, nil)
	item.AddLog(fmt.Sprintf("first seen at %s", mod.Name()))
	mod.AddItem(item)
	m.log.Info(ctx, "untracked item detected", logging.ItemID(evt.ItemID), logging.Module(mod.Name()))
}

func (m *Manager) handleLeft(ctx context.Context, evt model.PlatformItemEvent, mod core.Module) {
	target := m.calculator.GetTargetModule(evt.ReleasePort, mod)
	if target == nil {
		item := mod.RemoveItem(evt.ItemID)
		if item != nil {
			item.AddLog(fmt.Sprintf("left %s through port %d into nowhere", mod.Name(), evt.ReleasePort))
		}
		m.metrics.IncItemsLost()
		m.log.Info(ctx, "item left the line",
			logging.ItemID(evt.ItemID), logging.Module(mod.Name()), logging.Port(evt.ReleasePort))
		return
	}

	if !mod.MoveItem(evt.ItemID, target) {
		m.log.Debug(ctx, "left item was not tracked",
			logging.ItemID(evt.ItemID), logging.Module(mod.Name()), logging.Port(evt.ReleasePort))
		return
	}
	item := target.Item(evt.ItemID)
	m.UpdateRouteIndex(item, target)
	m.RecalculateRoute(ctx, item, target)
}

// findOwner returns the module other than except that holds id.
func (m *Manager) findOwner(id int64, except core.Module) core.Module {
	for _, mod := range m.graph.Vertices() {
		if mod.Name() == except.Name() {
			continue
		}
		if mod.ContainsItem(id) {
			return mod
		}
	}
	return nil
}

// UpdateRouteIndex advances the item's route when mod is of the next
// required type. Arrivals at any other module leave the route unchanged.
func (m *Manager) UpdateRouteIndex(item *model.PlatformItem, mod core.Module) {
	if item == nil || item.Route == nil || mod == nil {
		return
	}
	next, ok := item.Route.Next()
	if !ok || next.ModuleType != mod.ModuleTypeID() {
		return
	}
	item.Route.Advance()
}

// RecalculateRoute asks the route calculator for the item's next hop and
// withdraws any previous instruction when there is none.
func (m *Manager) RecalculateRoute(ctx context.Context, item *model.PlatformItem, mod core.Module) bool {
	if item == nil || mod == nil {
		return false
	}
	routed := m.calculator.CalculateSingleItemRouting(ctx, item, mod)
	m.metrics.ObserveRoutingDecision(routed)
	if !routed {
		mod.RemoveItemRouting(item)
	}
	return routed
}

type itemRouter interface {
	ItemRouting(id int64) (int, bool)
}

// retryWaitingItems re-evaluates items that are still waiting for a route.
func (m *Manager) retryWaitingItems(ctx context.Context) {
	if !m.IsInitialized() {
		return
	}
	m.events.Lock()
	defer m.events.Unlock()

	for _, mod := range m.graph.Vertices() {
		router, canReport := mod.(itemRouter)
		for _, item := range mod.Items() {
			if item.Route == nil || item.Route.IsComplete() {
				continue
			}
			if canReport {
				if _, routed := router.ItemRouting(item.ItemID); routed {
					continue
				}
			}
			m.RecalculateRoute(ctx, item, mod)
		}
	}
}

//
// ---------- Operator API ----------
//

func (m *Manager) resolve(names ...string) ([]core.Module, error) {
	if !m.IsInitialized() {
		return nil, ErrNotInitialized
	}
	out := make([]core.Module, 0, len(names))
	for _, name := range names {
		mod := m.graph.Vertex(name)
		if mod == nil {
			return nil, fmt.Errorf("%w: %q", core.ErrModuleNotFound, name)
		}
		out = append(out, mod)
	}
	return out, nil
}

// ForcePath routes every item leaving source through sourcePort onto the
// edge towards target/targetPort while that target can accept them.
func (m *Manager) ForcePath(ctx context.Context, source, target string, sourcePort, targetPort int) error {
	mods, err := m.resolve(source, target)
	if err != nil {
		return err
	}
	return m.calculator.ForcePath(ctx, mods[0], mods[1], sourcePort, targetPort)
}

// ReleaseForcePath undoes ForcePath.
func (m *Manager) ReleaseForcePath(ctx context.Context, source, target string, sourcePort, targetPort int) error {
	mods, err := m.resolve(source, target)
	if err != nil {
		return err
	}
	return m.calculator.ReleaseForcePath(ctx, mods[0], mods[1], sourcePort, targetPort)
}

// IsRoutePossible reports whether target is currently reachable from source.
// Unknown modules are never reachable.
func (m *Manager) IsRoutePossible(source, target string) bool {
	mods, err := m.resolve(source, target)
	if err != nil {
		return false
	}
	return m.calculator.IsRoutePossible(mods[0], mods[1])
}

// SetIgnoreDownstreamModule toggles whether forcing from name disregards the
// state of downstream modules. While set, a warning alarm is active for the
// module.
func (m *Manager) SetIgnoreDownstreamModule(ctx context.Context, name string, ignore bool) error {
	if _, err := m.resolve(name); err != nil {
		return err
	}
	if !m.calculator.SetIgnoreDownstreamModule(name, ignore) {
		return nil
	}

	a := m.ignoreAlarm(name)
	if ignore {
		m.alarms.Raise(ctx, a)
	} else {
		m.alarms.Clear(ctx, a)
	}
	m.log.Info(ctx, "ignore downstream changed", logging.Module(name), logging.Bool("ignore", ignore))
	return nil
}

func (m *Manager) ignoreAlarm(name string) *model.Alarm {
	if a, ok := m.ignoreAlarms.Load(name); ok {
		return a.(*model.Alarm)
	}
	a, _ := m.ignoreAlarms.LoadOrStore(name,
		alarm.New(name, model.AlarmWarning, "forcing ignores the state of downstream modules"))
	return a.(*model.Alarm)
}

// GetIgnoreDownstreamModule reports the flag set by SetIgnoreDownstreamModule.
func (m *Manager) GetIgnoreDownstreamModule(name string) bool {
	if !m.IsInitialized() {
		return false
	}
	return m.calculator.GetIgnoreDownstreamModule(name)
}

// CurrentForcedPorts lists forced ports per module.
func (m *Manager) CurrentForcedPorts() map[string][]int {
	m.lifecycle.RLock()
	calc := m.calculator
	m.lifecycle.RUnlock()
	if calc == nil {
		return map[string][]int{}
	}
	return calc.CurrentForcedPorts()
}

// GraphDTO snapshots the graph. It is empty before Construct.
func (m *Manager) GraphDTO() core.ModuleGraphDTO {
	m.lifecycle.RLock()
	g := m.graph
	m.lifecycle.RUnlock()
	if g == nil {
		return core.ModuleGraphDTO{Vertices: []core.ModuleDTO{}, Edges: []core.EdgeDTO{}}
	}
	return g.ToDTO()
}

// Module returns the named module or nil.
func (m *Manager) Module(name string) core.Module {
	m.lifecycle.RLock()
	g := m.graph
	m.lifecycle.RUnlock()
	if g == nil {
		return nil
	}
	return g.Vertex(name)
}

// Modules returns all modules in configuration order.
func (m *Manager) Modules() []core.Module {
	m.lifecycle.RLock()
	g := m.graph
	m.lifecycle.RUnlock()
	if g == nil {
		return nil
	}
	return g.Vertices()
}

// Alarms returns the alarm manager in use.
func (m *Manager) Alarms() alarm.Manager {
	return m.alarms
}
