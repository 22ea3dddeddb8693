package events

import (
	"context"
	"sync"
	"sync/atomic"
)

const DefaultBuffer = 256

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]chan Event
	closed  bool
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[<-chan Event]chan Event),
	}
}

// Subscribe returns a channel receiving every event published from now
// on. The channel is closed by Unsubscribe or Close.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = ch
	return ch
}

func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(sub)
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for key, ch := range b.subs {
		delete(b.subs, key)
		close(ch)
	}
}

// Sink consumes events one at a time.
type Sink interface {
	Consume(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Consume(e Event) { f(e) }

// Pump subscribes sink before it returns, then feeds it in the background
// until ctx is done or the bus is closed. The returned channel is closed
// once the pump has stopped.
func Pump(ctx context.Context, bus *Bus, sink Sink, buffer int) <-chan struct{} {
	ch := bus.Subscribe(buffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer bus.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				sink.Consume(e)
			}
		}
	}()
	return done
}
