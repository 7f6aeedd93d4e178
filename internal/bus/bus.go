// Package bus is a small in-process publish/subscribe registry keyed by topic.
// It fans out local notifications (for example "reactions of message X changed")
// to interested consumers without going back to the store.
package bus

import (
	"log/slog"
	"sync"
)

// ListenerID identifies a registered handler so it can be removed later.
type ListenerID uint64

type listener[T any] struct {
	id ListenerID
	fn func(T)
}

// Bus dispatches values of type T to the handlers registered under a topic.
// It is safe for concurrent use.
type Bus[T any] struct {
	mu     sync.RWMutex
	topics map[string][]listener[T]
	nextID ListenerID
	logger *slog.Logger
}

func New[T any]() *Bus[T] {
	return &Bus[T]{
		topics: make(map[string][]listener[T]),
		logger: slog.Default().With("component", "bus"),
	}
}

// On registers fn under topic. Handlers run in registration order.
func (b *Bus[T]) On(topic string, fn func(T)) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], listener[T]{id: id, fn: fn})
	return id
}

// Off removes the handler registered with id. Unknown ids are ignored.
func (b *Bus[T]) Off(topic string, id ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ls := b.topics[topic]
	for i, l := range ls {
		if l.id != id {
			continue
		}
		// Copy instead of shifting in place: an Emit in progress may hold the old slice.
		next := make([]listener[T], 0, len(ls)-1)
		next = append(next, ls[:i]...)
		next = append(next, ls[i+1:]...)
		if len(next) == 0 {
			delete(b.topics, topic)
		} else {
			b.topics[topic] = next
		}
		return
	}
}

// Emit synchronously calls every handler registered for topic at the time of the call.
// A panicking handler is logged and does not stop the remaining handlers.
func (b *Bus[T]) Emit(topic string, v T) {
	b.mu.RLock()
	snapshot := b.topics[topic]
	b.mu.RUnlock()

	for _, l := range snapshot {
		b.invoke(topic, l, v)
	}
}

// Len returns the number of handlers registered for topic.
func (b *Bus[T]) Len(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Bus[T]) invoke(topic string, l listener[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked", "topic", topic, "listener", l.id, "panic", r)
		}
	}()
	l.fn(v)
}
