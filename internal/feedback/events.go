// Package feedback implements the internal event/metrics bus: a buffered,
// non-blocking publish path with panic-recovering handler dispatch,
// carrying the pipeline's counters and lifecycle events
// (PartialResultsDropped, DuplicatesDetected, OrphanedResultsFlushed,
// TranscribeFallbackTriggered, BufferOverflow, ...).
package feedback

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType names a system event.
type EventType string

const (
	EventPartialResultsDropped  EventType = "partial.dropped"
	EventDuplicatesDetected     EventType = "dedup.duplicate"
	EventOrphanedResultsFlushed EventType = "orphan.flushed"
	EventTranscribeFallbackOn   EventType = "transcribe.fallback.on"
	EventTranscribeFallbackOff  EventType = "transcribe.fallback.off"
	EventDiscrepancyDetected    EventType = "discrepancy.detected"
	EventBufferOverflow         EventType = "listener_buffer.overflow"
	EventDedupCacheFlushed      EventType = "dedup.cache.flushed"
	EventSessionCreated         EventType = "session.created"
	EventSessionEnded           EventType = "session.ended"
	EventListenerJoined         EventType = "listener.joined"
	EventListenerLeft           EventType = "listener.left"
	EventForwardFailed          EventType = "forward.failed"
)

// Event is a single published occurrence.
type Event struct {
	Type      EventType
	Timestamp time.Time
	SessionID string
	Data      interface{}
}

// DroppedData describes a rate-limiter or buffer-capacity drop.
type DroppedData struct {
	Count  int
	Reason string
}

// DiscrepancyData carries the two truncated texts compared on a
// partial/final mismatch.
type DiscrepancyData struct {
	PartialText string
	FinalText   string
	Distance    int
	Ratio       float64
}

// EventHandler processes a published event.
type EventHandler func(event Event)

// Bus manages event distribution to subscribers without blocking
// publishers.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]EventHandler
	allHandlers []EventHandler
	buffer      chan Event
	stopCh      chan struct{}
	wg          sync.WaitGroup
	metrics     *Metrics
}

// Metrics tracks aggregate bus statistics.
type Metrics struct {
	mu              sync.Mutex
	EventsPublished map[EventType]int64
	EventsDelivered int64
	EventsDropped   int64
}

// NewBus creates a Bus with the given buffer size and starts its
// dispatch goroutine.
func NewBus(bufferSize int) *Bus {
	b := &Bus{
		handlers: make(map[EventType][]EventHandler),
		buffer:   make(chan Event, bufferSize),
		stopCh:   make(chan struct{}),
		metrics:  &Metrics{EventsPublished: make(map[EventType]int64)},
	}
	b.wg.Add(1)
	go b.processEvents()
	return b
}

// Subscribe registers handler for eventType and returns an unsubscribe func.
func (b *Bus) Subscribe(eventType EventType, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	return func() { b.unsubscribe(eventType, handler) }
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := len(b.allHandlers)
	b.allHandlers = append(b.allHandlers, handler)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.allHandlers) {
			b.allHandlers = append(b.allHandlers[:idx], b.allHandlers[idx+1:]...)
		}
	}
}

func (b *Bus) unsubscribe(eventType EventType, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := b.handlers[eventType]
	for i := range handlers {
		if &handlers[i] == &handler {
			b.handlers[eventType] = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

// Publish sends event to all subscribers without blocking; on a full
// buffer the event is dropped and counted.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.metrics.mu.Lock()
	b.metrics.EventsPublished[event.Type]++
	b.metrics.mu.Unlock()

	select {
	case b.buffer <- event:
	default:
		b.metrics.mu.Lock()
		b.metrics.EventsDropped++
		b.metrics.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"event_type": event.Type,
			"session_id": event.SessionID,
		}).Warn("event dropped, bus buffer full")
	}
}

func (b *Bus) processEvents() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.buffer:
			b.deliver(event)
		case <-b.stopCh:
			for {
				select {
				case event := <-b.buffer:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(event Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.handlers[event.Type]...)
	all := append([]EventHandler(nil), b.allHandlers...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, event)
	}
	for _, h := range all {
		b.dispatch(h, event)
	}
}

func (b *Bus) dispatch(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"event_type": event.Type,
				"panic":      r,
			}).Error("event handler panic")
		}
	}()
	h(event)
	b.metrics.mu.Lock()
	b.metrics.EventsDelivered++
	b.metrics.mu.Unlock()
}

// Stop drains and shuts down the bus.
func (b *Bus) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

// Snapshot returns a copy of the current metrics.
func (b *Bus) Snapshot() Metrics {
	b.metrics.mu.Lock()
	defer b.metrics.mu.Unlock()
	published := make(map[EventType]int64, len(b.metrics.EventsPublished))
	for k, v := range b.metrics.EventsPublished {
		published[k] = v
	}
	return Metrics{
		EventsPublished: published,
		EventsDelivered: b.metrics.EventsDelivered,
		EventsDropped:   b.metrics.EventsDropped,
	}
}
