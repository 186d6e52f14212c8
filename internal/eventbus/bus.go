// Package eventbus is a small synchronous publish/subscribe dispatcher.
//
// Publish fans an event out to a snapshot of the subscribers registered for
// its kind, in subscription order, on the publishing goroutine. Handlers
// that block stall the publisher.
package eventbus

import (
	"sync"
)

// Kind names one event stream on a Bus.
type Kind string

const (
	KindConnect    Kind = "connect"
	KindClose      Kind = "close"
	KindError      Kind = "error"
	KindMessage    Kind = "message"
	KindListening  Kind = "listening"
	KindConnection Kind = "connection"
	KindDisconnect Kind = "disconnect"
	KindPacket     Kind = "packet"
)

// Handler receives one published event.
type Handler[E any] func(E)

type entry[E any] struct {
	id      uint64
	handler Handler[E]
}

// Bus dispatches events of type E keyed by Kind.
type Bus[E any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Kind][]entry[E]
}

func New[E any]() *Bus[E] {
	return &Bus[E]{subs: make(map[Kind][]entry[E])}
}

// Subscribe registers handler for kind and returns the handle that removes it.
func (b *Bus[E]) Subscribe(kind Kind, handler Handler[E]) *Subscription {
	if handler == nil {
		return &Subscription{}
	}
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[Kind][]entry[E])
	}
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], entry[E]{id: id, handler: handler})
	b.mu.Unlock()

	return &Subscription{cancel: func() { b.remove(kind, id) }}
}

// Once registers a handler that is removed before its first invocation.
// A Publish racing with Once waits until the handle is assigned.
func (b *Bus[E]) Once(kind Kind, handler Handler[E]) *Subscription {
	if handler == nil {
		return &Subscription{}
	}
	var (
		mu    sync.Mutex
		sub   *Subscription
		fired bool
	)
	mu.Lock()
	defer mu.Unlock()
	sub = b.Subscribe(kind, func(ev E) {
		mu.Lock()
		if fired {
			mu.Unlock()
			return
		}
		fired = true
		mu.Unlock()
		sub.Unsubscribe()
		handler(ev)
	})
	return sub
}

// Publish delivers ev to every handler subscribed to kind at call time.
func (b *Bus[E]) Publish(kind Kind, ev E) {
	b.mu.RLock()
	current := b.subs[kind]
	snapshot := make([]entry[E], len(current))
	copy(snapshot, current)
	b.mu.RUnlock()

	for _, e := range snapshot {
		if !b.live(kind, e.id) {
			continue
		}
		e.handler(ev)
	}
}

// Count reports the number of handlers subscribed to kind.
func (b *Bus[E]) Count(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

func (b *Bus[E]) live(kind Kind, id uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.subs[kind] {
		if e.id == id {
			return true
		}
	}
	return false
}

func (b *Bus[E]) remove(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[kind]
	for i, e := range list {
		if e.id != id {
			continue
		}
		next := make([]entry[E], 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, kind)
		} else {
			b.subs[kind] = next
		}
		return
	}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the handler. Calls after the first are no-ops.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}
