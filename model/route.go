package model

import (
	"sort"
	"sync"
)

// RouteItem is one step of a route.
type RouteItem struct {
	// ModuleType is the module type the item has to visit.
	ModuleType int
	// ForceModuleInstance, when set, restricts the step to the module with
	// that exact name.
	ForceModuleInstance string
	// ForbiddenModuleType must not be entered on the way to this step.
	// Zero means no restriction.
	ForbiddenModuleType int
	// Index orders the steps within the route.
	Index int
}

// Route is the ordered list of module types an item has to visit together
// with the progress made so far.
//
// CurrentIndex points at the last fulfilled step. A new route starts at 0:
// the module creating the item fulfils the first step. It never decreases.
type Route struct {
	mu           sync.RWMutex
	items        []RouteItem
	sorted       []RouteItem
	currentIndex int
}

// NewRoute builds a route from its steps. Steps are ordered by Index.
func NewRoute(items ...RouteItem) *Route {
	r := &Route{}
	r.items = append(r.items, items...)
	return r
}

// NewRouteFromTypes builds a route visiting the given module types in order.
func NewRouteFromTypes(types ...int) *Route {
	items := make([]RouteItem, 0, len(types))
	for i, t := range types {
		items = append(items, RouteItem{ModuleType: t, Index: i})
	}
	return NewRoute(items...)
}

// Add appends a step and invalidates the ordering cache.
func (r *Route) Add(item RouteItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	r.sorted = nil
}

// Items returns the steps ordered by Index. The slice is shared; callers must
// not modify it.
func (r *Route) Items() []RouteItem {
	r.mu.RLock()
	sorted := r.sorted
	r.mu.RUnlock()
	if sorted != nil {
		return sorted
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sorted == nil {
		sorted := make([]RouteItem, len(r.items))
		copy(sorted, r.items)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Index < sorted[j].Index
		})
		r.sorted = sorted
	}
	return r.sorted
}

// Len returns the number of steps.
func (r *Route) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// CurrentIndex returns the index of the last fulfilled step.
func (r *Route) CurrentIndex() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentIndex
}

// Next returns the step following CurrentIndex. ok is false when the route is
// fully satisfied.
func (r *Route) Next() (RouteItem, bool) {
	items := r.Items()
	next := r.CurrentIndex() + 1
	if next >= len(items) {
		return RouteItem{}, false
	}
	return items[next], true
}

// IsComplete reports whether every step has been fulfilled.
func (r *Route) IsComplete() bool {
	return r.CurrentIndex()+1 >= r.Len()
}

// Advance marks the next step as fulfilled. It is a no-op on a complete route.
func (r *Route) Advance() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentIndex+1 >= len(r.items) {
		return false
	}
	r.currentIndex++
	return true
}
