// Package pubsub fans values out to subscriber channels without ever
// blocking the publisher.
package pubsub

import "sync"

// Broadcaster delivers each published value to every subscriber whose
// buffer has room. A subscriber that falls behind misses values.
type Broadcaster[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]chan T
}

// New returns an empty Broadcaster.
func New[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[int]chan T)}
}

// Subscribe registers a subscriber with the given buffer size. The
// returned cancel func unsubscribes and closes the channel; it is safe
// to call more than once.
func (b *Broadcaster[T]) Subscribe(buf int) (<-chan T, func()) {
	if buf < 0 {
		buf = 0
	}

	ch := make(chan T, buf)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once

	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}

	return ch, cancel
}

// Publish returns the number of subscribers that missed v.
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0

	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			dropped++
		}
	}

	return dropped
}

// Len returns the number of active subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}
