package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Engine event types.
const (
	SignalAccepted    = "signal.accepted"
	SignalRejected    = "signal.rejected"
	AlertNotified     = "alert.notified"
	AlertRecovered    = "alert.recovered"
	AlertDeferred     = "alert.deferred"
	DeliverySent      = "delivery.sent"
	DeliveryQueued    = "delivery.queued"
	DeliveryExhausted = "delivery.exhausted"
	QueueFlushed      = "queue.flushed"
	AlarmRaised       = "alarm.raised"
	CycleSuspended    = "cycle.suspended"
	ConfigReloaded    = "config.reloaded"
)

// Event is a small in-memory notification between engine components.
//
// Publish never blocks: subscribers get buffered channels and a slow
// subscriber loses events instead of stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data map[string]any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Emit publishes an event of the given type with key/value data.
// A nil bus is a no-op.
func Emit(b Bus, typ string, kv ...any) {
	if b == nil {
		return
	}
	data := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		data[k] = kv[i+1]
	}
	b.Publish(Event{Type: typ, Data: data})
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a buffered subscriber. Unsubscribe closes the channel.
func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Holding the write lock excludes concurrent Publish, so closing is safe.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped reports how many events were discarded because a subscriber was full.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}
