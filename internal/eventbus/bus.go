// Package eventbus fans kernel events out to live stream clients and keeps a
// bounded history for late joiners.
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/agentconsole/internal/stream"
)

const (
	// DefaultHistorySize is the number of events retained for /api/history.
	DefaultHistorySize = 1000
	// DefaultSubscriberBuffer is the per-client queue length.
	DefaultSubscriberBuffer = 64
)

// Stats is a point-in-time view of the bus.
type Stats struct {
	Published   int64 `json:"events_published"`
	Dropped     int64 `json:"events_dropped"`
	Subscribers int   `json:"subscribers"`
	HistorySize int   `json:"history_size"`
}

// Bus is safe for concurrent use.
type Bus struct {
	mu        sync.Mutex
	subs      map[uint64]chan stream.Event
	nextID    uint64
	ring      []stream.Event
	start     int
	size      int
	published int64
	dropped   int64
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Bus retaining historySize events.
func New(historySize int, logger *slog.Logger) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[uint64]chan stream.Event),
		ring:   make([]stream.Event, 0, historySize),
		size:   historySize,
		now:    time.Now,
		logger: logger,
	}
}

// Publish stamps an event with a trace id and timestamp, records it and
// delivers it to every subscriber. A subscriber whose queue is full misses
// the event.
func (b *Bus) Publish(kind string, payload map[string]any) stream.Event {
	ev := stream.Event{
		Kind:      kind,
		Timestamp: b.now().UTC(),
		TraceID:   uuid.NewString(),
		Payload:   payload,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.ring) < b.size {
		b.ring = append(b.ring, ev)
	} else {
		b.ring[b.start] = ev
		b.start = (b.start + 1) % b.size
	}
	b.published++

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
			b.logger.Warn("subscriber queue full, dropping event", "subscriber", id, "kind", kind)
		}
	}
	return ev
}

// Subscribe registers a live listener. The returned cancel func closes the
// channel and is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan stream.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan stream.Event, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// History returns retained events, oldest first.
func (b *Bus) History() []stream.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]stream.Event, 0, len(b.ring))
	out = append(out, b.ring[b.start:]...)
	out = append(out, b.ring[:b.start]...)
	return out
}

// Stats reports counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Published:   b.published,
		Dropped:     b.dropped,
		Subscribers: len(b.subs),
		HistorySize: len(b.ring),
	}
}
