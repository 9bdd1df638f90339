package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the bot runtime.
const (
	TransportState   = "transport.state"   // Data: string state name
	StreamConnected  = "stream.connected"  // Data: attempt number
	StreamLost       = "stream.lost"       // Data: error string
	EventDispatched  = "event.dispatched"  // Data: DispatchInfo
	AutoPostSent     = "autopost.sent"     // Data: note id
	ConfigReloaded   = "config.reloaded"   // Data: nil
	HealthMemoryWarn = "health.memory"     // Data: rss bytes
	PluginLifecycle  = "plugin.lifecycle"  // Data: PluginInfo
)

// PluginInfo describes a plugin lifecycle step.
type PluginInfo struct {
	Plugin string
	Stage  string
	Err    string
}

// DispatchInfo describes an accepted event.
type DispatchInfo struct {
	Category string
	ID       string
	Source   string
}

// Event is a lightweight in-memory signal used to decouple components.
//
// Publish never blocks; slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Delivery happens under the read lock so unsubscribe cannot close a
	// channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
