package core

import "github.com/signalsfoundry/linerouter/model"

// Module is the capability surface the routing core needs from a station on
// the line. Implementations must synchronise their item collections and
// routing tasks internally: the item-event path mutates them while state
// and metric subscribers read them concurrently.
type Module interface {
	Name() string
	ModuleTypeID() int

	State() model.ModuleState
	// OldState is the state held before the most recent transition.
	OldState() model.ModuleState
	IsInitialized() bool

	CurrentItemCount() int
	MaxCapacity() int
	// LimitItemCount is a soft override of MaxCapacity; 0 means unlimited.
	LimitItemCount() int
	// IsFull reports whether the given input port cannot accept an item.
	IsFull(port int) bool

	// AddItemRouting instructs the module to release item through port.
	AddItemRouting(item *model.PlatformItem, port int)
	// RemoveItemRouting cancels a pending single-item instruction.
	RemoveItemRouting(item *model.PlatformItem)
	// AddPortRouting makes port release every item ("route all").
	AddPortRouting(port int)
	RemovePortRouting(port int)

	ContainsItem(id int64) bool
	Item(id int64) *model.PlatformItem
	Items() []*model.PlatformItem
	AddItem(item *model.PlatformItem)
	// RemoveItem drops the item and any routing instruction for it. It returns
	// the removed item or nil.
	RemoveItem(id int64) *model.PlatformItem
	// MoveItem hands the item over to target. It returns false when the module
	// does not hold the item.
	MoveItem(id int64, target Module) bool

	// The On* methods register observers and return a function that removes
	// the registration.
	OnItemCountChanged(fn func(count int)) (unsubscribe func())
	OnStateChanged(fn func(old, current model.ModuleState)) (unsubscribe func())
	OnPortFullChanged(fn func(port int, full bool)) (unsubscribe func())
}
