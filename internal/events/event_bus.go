// Package events is the pub/sub seam between the engine and its observers:
// the API stream subscribes here, the engine publishes here. Publishing
// never blocks the trading path; slow subscribers lose events instead.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind categorizes engine events.
type Kind string

const (
	KindCycleStart Kind = "cycle_start"
	KindCycleEnd   Kind = "cycle_end"
	KindDecision   Kind = "decision"
	KindFill       Kind = "fill"
	KindSkip       Kind = "skip"
	KindPosition   Kind = "position"
)

// Event is one engine occurrence. Payload is a JSON-marshalable snapshot
// owned by the subscriber once published.
type Event struct {
	Kind      Kind        `json:"kind"`
	Symbol    string      `json:"symbol,omitempty"`
	CycleTime time.Time   `json:"cycleTime"`
	Payload   interface{} `json:"payload,omitempty"`
}

type subscriber struct {
	ch chan Event
}

// Bus fans events out to subscribers. Delivery is best-effort: an event is
// dropped per subscriber whose buffer is full.
type Bus struct {
	logger *zap.Logger

	mu      sync.Mutex
	subs    map[int]*subscriber
	nextID  int
	dropped int64
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger.Named("events"),
		subs:   make(map[int]*subscriber),
	}
}

// Subscribe registers a new subscriber with the given buffer size. The
// returned cancel func unregisters and closes the channel; it is safe to
// call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			b.dropped++
			if b.dropped%1000 == 1 {
				b.logger.Warn("Dropping events for slow subscriber",
					zap.Int64("totalDropped", b.dropped))
			}
		}
	}
}

// SubscriberCount reports how many subscribers are registered.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped reports how many events were lost to full buffers.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
