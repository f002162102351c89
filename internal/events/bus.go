package events

import (
	"sync"
)

type Handler func(Event)

// Bus dispatches events synchronously to every subscribed handler, in
// subscription order.
type Bus struct {
	mu       sync.Mutex
	next     int
	handlers []subscription
}

type subscription struct {
	id int
	fn Handler
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns a function removing it.
func (b *Bus) Subscribe(fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.handlers = append(b.handlers, subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.handlers {
				if s.id == id {
					b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit calls handlers outside the lock so they may subscribe or
// unsubscribe.
func (b *Bus) Emit(e Event) {
	b.mu.Lock()
	hs := make([]subscription, len(b.handlers))
	copy(hs, b.handlers)
	b.mu.Unlock()

	for _, s := range hs {
		s.fn(e)
	}
}
