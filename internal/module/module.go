// Package module is an in-memory implementation of core.Module used by the
// line controller and by tests. Fullness, capacity and state are set by the
// surrounding control code (or a simulator) and observed by the routing core.
package module

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/looplab/fsm"

	"github.com/signalsfoundry/linerouter/core"
	"github.com/signalsfoundry/linerouter/internal/eventbus"
	"github.com/signalsfoundry/linerouter/internal/logging"
	"github.com/signalsfoundry/linerouter/model"
)

// Publisher receives item events reported by a module.
type Publisher interface {
	Publish(evt model.PlatformItemEvent)
}

// Config describes a module.
type Config struct {
	Name           string
	TypeID         int
	MaxCapacity    int
	LimitItemCount int
}

// Option customises a Module.
type Option func(*Module)

// WithPublisher attaches the bus the Report* helpers publish to.
func WithPublisher(p Publisher) Option {
	return func(m *Module) { m.bus = p }
}

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Module) { m.log = logging.OrNoop(l) }
}

type stateChange struct {
	old, current model.ModuleState
}

type portChange struct {
	port int
	full bool
}

// Module is a station on the line.
type Module struct {
	name   string
	typeID int
	bus    Publisher
	log    logging.Logger

	// transition serialises FSM events with their notifications.
	transition sync.Mutex
	machine    *fsm.FSM

	mu           sync.RWMutex
	state        model.ModuleState
	oldState     model.ModuleState
	initialized  bool
	maxCapacity  int
	limit        int
	items        map[int64]*model.PlatformItem
	fullPorts    map[int]bool
	itemRoutings map[int64]int
	portRoutings map[int]struct{}

	countChanged    eventbus.Topic[int]
	stateChanged    eventbus.Topic[stateChange]
	portFullChanged eventbus.Topic[portChange]
}

var _ core.Module = (*Module)(nil)

// New creates a module in the initializing state.
func New(cfg Config, opts ...Option) *Module {
	m := &Module{
		name:         cfg.Name,
		typeID:       cfg.TypeID,
		log:          logging.Noop(),
		state:        model.StateInitializing,
		oldState:     model.StateInitializing,
		maxCapacity:  cfg.MaxCapacity,
		limit:        cfg.LimitItemCount,
		items:        make(map[int64]*model.PlatformItem),
		fullPorts:    make(map[int]bool),
		itemRoutings: make(map[int64]int),
		portRoutings: make(map[int]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.log = m.log.With(logging.Module(m.name))
	m.machine = fsm.NewFSM(
		model.StateInitializing.String(),
		transitions(),
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.mu.Lock()
				m.oldState = parseState(e.Src)
				m.state = parseState(e.Dst)
				m.mu.Unlock()
			},
		},
	)
	return m
}

func (m *Module) Name() string      { return m.name }
func (m *Module) ModuleTypeID() int { return m.typeID }

//
// ---------- State ----------
//

func (m *Module) State() model.ModuleState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Module) OldState() model.ModuleState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.oldState
}

func (m *Module) IsInitialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// Initialize finishes initialisation and leaves the module in Off.
func (m *Module) Initialize(ctx context.Context) error {
	if m.IsInitialized() {
		return nil
	}
	if err := m.fire(ctx, EventInitialized); err != nil {
		return err
	}
	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// Start switches the module to Run via RunBusy.
func (m *Module) Start(ctx context.Context) error {
	if m.State() == model.StateRun {
		return nil
	}
	if err := m.fire(ctx, EventStart); err != nil {
		return err
	}
	return m.fire(ctx, EventRunning)
}

// Standby switches a running module to Standby via StandbyBusy.
func (m *Module) Standby(ctx context.Context) error {
	if err := m.fire(ctx, EventStandby); err != nil {
		return err
	}
	return m.fire(ctx, EventStandingBy)
}

// Stop switches the module to Stop via StopBusy.
func (m *Module) Stop(ctx context.Context) error {
	if err := m.fire(ctx, EventStop); err != nil {
		return err
	}
	return m.fire(ctx, EventStopped)
}

// Fail puts the module into Error.
func (m *Module) Fail(ctx context.Context) error { return m.fire(ctx, EventFail) }

// Reset moves an errored module back to Off.
func (m *Module) Reset(ctx context.Context) error { return m.fire(ctx, EventReset) }

// Disable takes an idle module out of service.
func (m *Module) Disable(ctx context.Context) error { return m.fire(ctx, EventDisable) }

// Enable returns a disabled module to Off.
func (m *Module) Enable(ctx context.Context) error { return m.fire(ctx, EventEnable) }

// BeginTransition fires a single FSM event, leaving the module in a busy
// state. It is used to hold a module mid-way through a mode switch.
func (m *Module) BeginTransition(ctx context.Context, event string) error {
	return m.fire(ctx, event)
}

// ForceState overrides the state without FSM validation, recording the
// previous state as OldState. Simulators use it to mirror hardware.
func (m *Module) ForceState(state model.ModuleState) {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.machine.SetState(state.String())
	m.mu.Lock()
	old := m.state
	m.oldState = old
	m.state = state
	m.mu.Unlock()

	if old != state {
		m.stateChanged.Publish(stateChange{old: old, current: state})
	}
}

func (m *Module) fire(ctx context.Context, event string) error {
	m.transition.Lock()
	defer m.transition.Unlock()

	if err := m.machine.Event(ctx, event); err != nil {
		return fmt.Errorf("module %s: %s: %w", m.name, event, err)
	}

	m.mu.RLock()
	change := stateChange{old: m.oldState, current: m.state}
	m.mu.RUnlock()

	m.log.Debug(ctx, "module state changed",
		logging.String("from", change.old.String()),
		logging.String("to", change.current.String()),
	)
	m.stateChanged.Publish(change)
	return nil
}

//
// ---------- Capacity and ports ----------
//

func (m *Module) CurrentItemCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *Module) MaxCapacity() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxCapacity
}

func (m *Module) LimitItemCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limit
}

// SetLimitItemCount changes the soft capacity limit; 0 disables it.
func (m *Module) SetLimitItemCount(limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limit = limit
}

func (m *Module) IsFull(port int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fullPorts[port]
}

// SetPortFull marks an input port full or free and notifies observers on
// change.
func (m *Module) SetPortFull(port int, full bool) {
	m.mu.Lock()
	if m.fullPorts[port] == full {
		m.mu.Unlock()
		return
	}
	if full {
		m.fullPorts[port] = true
	} else {
		delete(m.fullPorts, port)
	}
	m.mu.Unlock()

	m.portFullChanged.Publish(portChange{port: port, full: full})
}

//
// ---------- Routing tasks ----------
//

// AddItemRouting records a single-hop instruction. Items the module does not
// hold are ignored: the item has already moved on.
func (m *Module) AddItemRouting(item *model.PlatformItem, port int) {
	if item == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ItemID]; !ok {
		return
	}
	m.itemRoutings[item.ItemID] = port
}

func (m *Module) RemoveItemRouting(item *model.PlatformItem) {
	if item == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.itemRoutings, item.ItemID)
}

func (m *Module) AddPortRouting(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.portRoutings[port] = struct{}{}
}

func (m *Module) RemovePortRouting(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.portRoutings, port)
}

// ItemRoutings returns a copy of the pending single-item instructions keyed
// by item ID.
func (m *Module) ItemRoutings() map[int64]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]int, len(m.itemRoutings))
	for id, port := range m.itemRoutings {
		out[id] = port
	}
	return out
}

// ItemRouting returns the instruction for one item.
func (m *Module) ItemRouting(id int64) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	port, ok := m.itemRoutings[id]
	return port, ok
}

// PortRoutings returns the ports in route-all mode, sorted.
func (m *Module) PortRoutings() []int {
	m.mu.RLock()
	out := make([]int, 0, len(m.portRoutings))
	for port := range m.portRoutings {
		out = append(out, port)
	}
	m.mu.RUnlock()
	sort.Ints(out)
	return out
}

//
// ---------- Items ----------
//

func (m *Module) ContainsItem(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.items[id]
	return ok
}

func (m *Module) Item(id int64) *model.PlatformItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.items[id]
}

// Items returns the held items ordered by ID.
func (m *Module) Items() []*model.PlatformItem {
	m.mu.RLock()
	out := make([]*model.PlatformItem, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

// AddItem takes ownership of item. Adding an item that is already held is a
// no-op and does not notify observers.
func (m *Module) AddItem(item *model.PlatformItem) {
	if item == nil {
		return
	}
	m.mu.Lock()
	if _, ok := m.items[item.ItemID]; ok {
		m.mu.Unlock()
		return
	}
	m.items[item.ItemID] = item
	count := len(m.items)
	m.mu.Unlock()

	m.countChanged.Publish(count)
}

func (m *Module) RemoveItem(id int64) *model.PlatformItem {
	m.mu.Lock()
	item, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.items, id)
	delete(m.itemRoutings, id)
	count := len(m.items)
	m.mu.Unlock()

	m.countChanged.Publish(count)
	return item
}

func (m *Module) MoveItem(id int64, target core.Module) bool {
	if target == nil {
		return false
	}
	item := m.RemoveItem(id)
	if item == nil {
		return false
	}
	target.AddItem(item)
	return true
}

//
// ---------- Observers ----------
//

func (m *Module) OnItemCountChanged(fn func(count int)) func() {
	return m.countChanged.Subscribe(fn)
}

func (m *Module) OnStateChanged(fn func(old, current model.ModuleState)) func() {
	if fn == nil {
		return func() {}
	}
	return m.stateChanged.Subscribe(func(c stateChange) { fn(c.old, c.current) })
}

func (m *Module) OnPortFullChanged(fn func(port int, full bool)) func() {
	if fn == nil {
		return func() {}
	}
	return m.portFullChanged.Subscribe(func(c portChange) { fn(c.port, c.full) })
}

//
// ---------- Reporting ----------
//

// ReportNewItem announces an item created at this module.
func (m *Module) ReportNewItem(item *model.PlatformItem) {
	if m.bus == nil || item == nil {
		return
	}
	m.bus.Publish(model.PlatformItemEvent{
		ItemID:  item.ItemID,
		Module:  m.name,
		Type:    model.NewItemCreated,
		NewItem: item,
	})
}

// ReportDetected announces that the item with id arrived at this module.
func (m *Module) ReportDetected(id int64) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(model.PlatformItemEvent{ItemID: id, Module: m.name, Type: model.ItemDetected})
}

// ReportLeft announces that the item with id left through port.
func (m *Module) ReportLeft(id int64, port int) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(model.PlatformItemEvent{ItemID: id, Module: m.name, Type: model.ItemLeft, ReleasePort: port})
}
