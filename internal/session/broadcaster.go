package session

import (
	"sync"
	"sync/atomic"
)

// DefaultEventBuffer is the subscriber channel size used when Subscribe is
// called with a non-positive buffer.
const DefaultEventBuffer = 32

// Broadcaster fans events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full loses its oldest pending event.
//
// Broadcaster is safe for concurrent use.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool

	dropped atomic.Uint64
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe registers a new listener. The returned channel is closed by
// cancel or by [Broadcaster.Close]. Subscribing to a closed broadcaster
// yields an already closed channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers ev to every subscriber.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// Full: drop the oldest and retry once. The subscriber may drain
		// concurrently, so both steps are non-blocking.
		select {
		case <-ch:
			b.dropped.Add(1)
		default:
		}
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Dropped returns how many events were discarded because a subscriber fell
// behind.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }
