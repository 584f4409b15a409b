package model

import (
	"sync"
	"time"
)

// ItemLogEntry is a timestamped note attached to an item.
type ItemLogEntry struct {
	Time    time.Time
	Message string
}

// PlatformItem is a discrete item travelling through the line.
//
// ItemID is the logical identity. Two PlatformItem values with the same
// ItemID describe the same physical item even when they are different
// objects (for example after a restart the item is re-detected).
type PlatformItem struct {
	ItemID int64
	Route  *Route

	mu  sync.Mutex
	log []ItemLogEntry
}

// NewPlatformItem creates an item with an optional route.
func NewPlatformItem(id int64, route *Route) *PlatformItem {
	return &PlatformItem{ItemID: id, Route: route}
}

// AddLog appends a timestamped message to the item's log.
func (p *PlatformItem) AddLog(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = append(p.log, ItemLogEntry{Time: time.Now(), Message: msg})
}

// Log returns a copy of the item's log.
func (p *PlatformItem) Log() []ItemLogEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ItemLogEntry, len(p.log))
	copy(out, p.log)
	return out
}
