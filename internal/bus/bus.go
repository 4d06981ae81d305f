// Package bus implements the in-process event bus: bounded history,
// push-stream subscribers with drop-on-backpressure, and inline typed
// subscribers.
package bus

import (
	"sync"
	"time"

	"github.com/wardenlabs/warden/internal/observability"
	"github.com/wardenlabs/warden/pkg/models"
)

const (
	// DefaultHistory is the default ring size.
	DefaultHistory = 200

	// streamBuffer is the per-subscriber channel capacity. A subscriber that
	// falls this far behind is dropped rather than stalling producers.
	streamBuffer = 64
)

// Bus is the process-wide publish/subscribe hub. Emit never blocks: slow
// stream subscribers are evicted, never waited on.
type Bus struct {
	mu      sync.Mutex
	history []*models.Event
	limit   int
	streams map[int]chan *models.Event
	nextID  int
	typed   map[string][]func(*models.Event)
	lastTS  time.Time
	metrics *observability.Metrics
}

// New creates a bus with the given history limit. Limits below one fall back
// to DefaultHistory. Metrics may be nil.
func New(historyLimit int, metrics *observability.Metrics) *Bus {
	if historyLimit < 1 {
		historyLimit = DefaultHistory
	}
	return &Bus{
		limit:   historyLimit,
		streams: make(map[int]chan *models.Event),
		typed:   make(map[string][]func(*models.Event)),
		metrics: metrics,
	}
}

// Emit publishes an event. Timestamps are forced non-decreasing within the
// process. Stream delivery is best-effort; typed subscribers run inline.
func (b *Bus) Emit(eventType string, data map[string]any) *models.Event {
	now := time.Now()

	b.mu.Lock()
	if now.Before(b.lastTS) {
		now = b.lastTS
	}
	b.lastTS = now
	event := &models.Event{Type: eventType, TS: now, Data: data}

	b.history = append(b.history, event)
	if len(b.history) > b.limit {
		b.history = b.history[len(b.history)-b.limit:]
	}

	for id, ch := range b.streams {
		select {
		case ch <- event:
		default:
			delete(b.streams, id)
			close(ch)
			if b.metrics != nil {
				b.metrics.EventsDropped.WithLabelValues("bus_stream").Inc()
			}
		}
	}

	callbacks := append([]func(*models.Event){}, b.typed[eventType]...)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.EventsEmitted.WithLabelValues(eventType).Inc()
	}
	for _, cb := range callbacks {
		cb(event)
	}
	return event
}

// SubscribeStream registers a push subscriber and returns its channel plus a
// cancel function. The channel is closed on cancel or on eviction for
// backpressure.
func (b *Bus) SubscribeStream() (<-chan *models.Event, func()) {
	ch := make(chan *models.Event, streamBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.streams[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.streams[id]; ok {
			delete(b.streams, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// SubscribeSync registers a callback invoked inline for every event of the
// given type. Callbacks must be fast; they run on the emitter's goroutine.
func (b *Bus) SubscribeSync(eventType string, cb func(*models.Event)) {
	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], cb)
	b.mu.Unlock()
}

// History returns a snapshot copy of the retained events, oldest first.
func (b *Bus) History() []*models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.Event, len(b.history))
	copy(out, b.history)
	return out
}

// Subscribers reports the current stream-subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}
