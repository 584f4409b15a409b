package eventbus

import (
	"sync"

	"github.com/signalsfoundry/linerouter/model"
)

// ItemBus carries platform item events from modules to their consumers.
//
// Dispatch is serialized: Publish returns after every subscriber has handled
// the event, and no two events are handled at the same time. Subscribers must
// not Publish from inside their handler.
type ItemBus struct {
	dispatch sync.Mutex
	topic    Topic[model.PlatformItemEvent]
}

// NewItemBus creates an empty bus.
func NewItemBus() *ItemBus {
	return &ItemBus{}
}

// Subscribe registers a handler for every item event.
func (b *ItemBus) Subscribe(fn func(model.PlatformItemEvent)) (unsubscribe func()) {
	return b.topic.Subscribe(fn)
}

// Publish hands evt to all subscribers.
func (b *ItemBus) Publish(evt model.PlatformItemEvent) {
	b.dispatch.Lock()
	defer b.dispatch.Unlock()
	b.topic.Publish(evt)
}

// Subscribers returns the number of registered handlers.
func (b *ItemBus) Subscribers() int {
	return b.topic.Len()
}
