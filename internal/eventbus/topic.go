// Package eventbus provides in-process observer registries: a generic Topic
// for module-level notifications and the serialized ItemBus that carries
// platform item events.
package eventbus

import "sync"

type subscription[T any] struct {
	id uint64
	fn func(T)
}

// Topic is a thread-safe list of observers. Publish calls observers in
// registration order, outside the lock, so observers may subscribe or
// unsubscribe from within a callback.
type Topic[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs []subscription[T]
}

// Subscribe registers fn and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	t.mu.Lock()
	t.next++
	id := t.next
	t.subs = append(t.subs, subscription[T]{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, s := range t.subs {
				if s.id == id {
					t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers v to every current observer.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	subs := append([]subscription[T](nil), t.subs...)
	t.mu.RUnlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Len returns the number of observers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}
