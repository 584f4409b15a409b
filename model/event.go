package model

// EventType classifies an item lifecycle event.
type EventType int

const (
	// NewItemCreated is reported by the module that creates an item.
	NewItemCreated EventType = iota + 1
	// ItemDetected is reported when a module sees an item arrive.
	ItemDetected
	// ItemLeft is reported when an item leaves a module through ReleasePort.
	ItemLeft
)

func (t EventType) String() string {
	switch t {
	case NewItemCreated:
		return "new_item_created"
	case ItemDetected:
		return "item_detected"
	case ItemLeft:
		return "item_left"
	default:
		return "unknown"
	}
}

// PlatformItemEvent is published on the item bus by modules.
type PlatformItemEvent struct {
	ItemID int64
	// Module is the name of the reporting module.
	Module      string
	Type        EventType
	ReleasePort int
	// NewItem must be set for NewItemCreated.
	NewItem *PlatformItem
}
