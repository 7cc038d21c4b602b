package events

import "sync"

// subscriber is one registered listener channel.
type subscriber struct {
	id int
	ch chan any
}

// Bus is an in-process pub/sub broker over channels. Publish never blocks:
// a subscriber whose buffer is full misses the payload.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Event][]subscriber
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]subscriber)}
}

// Subscribe registers a listener for an event. The returned function removes
// the subscription and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := subscriber{id: b.nextID, ch: make(chan any, buffer)}
	b.nextID++
	b.subs[e] = append(b.subs[e], sub)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs[e] {
			if s.id == sub.id {
				close(s.ch)
				b.subs[e] = append(b.subs[e][:i], b.subs[e][i+1:]...)
				return
			}
		}
	}
	return sub.ch, unsub
}

// Publish delivers the payload to every subscriber of e without blocking.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs[e] {
		select {
		case s.ch <- payload:
		default:
			// subscriber buffer full, payload dropped
		}
	}
}

// Close shuts all subscriber channels. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for e, subs := range b.subs {
		for _, s := range subs {
			close(s.ch)
		}
		delete(b.subs, e)
	}
}
