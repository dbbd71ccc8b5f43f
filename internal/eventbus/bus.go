package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Pipeline event types.
const (
	TypeCycle             = "pipeline.cycle"
	TypeItemDiscovered    = "item.discovered"
	TypeItemDelivered     = "item.delivered"
	TypeItemFailed        = "item.failed"
	TypeSourceThrottled   = "source.throttled"
	TypeSourceUnavailable = "source.unavailable"
)

// Event is a lightweight in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Slow subscribers drop events (bounded backpressure).
type Event struct {
	Type   string
	Time   time.Time
	Source string
	Data   any
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
	// Sends happen under the read lock; unsubscribe takes the write lock
	// before closing, so a send never hits a closed channel.
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
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Nop is a Bus that drops everything.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
