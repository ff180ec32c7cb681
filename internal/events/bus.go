package events

import (
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultBufferSize is the default per-subscriber channel capacity.
	DefaultBufferSize = 100

	// EventTypeLaunchStateChanged identifies launch session status changes.
	EventTypeLaunchStateChanged = "LaunchStateChanged"
	// EventTypeCompletionSignal identifies trusted course completion notifications.
	EventTypeCompletionSignal = "CompletionSignal"
	// EventTypeUntrustedOrigin identifies messages dropped by the origin guard.
	EventTypeUntrustedOrigin = "UntrustedOrigin"
	// EventTypeProxyTimeout identifies proxied RTE calls that never got a response.
	EventTypeProxyTimeout = "ProxyTimeout"
	// EventTypeBridgeClosed identifies runtime bridge teardown.
	EventTypeBridgeClosed = "BridgeClosed"
	// EventTypeHealthCheck identifies relay health check events.
	EventTypeHealthCheck = "HealthCheck"
	// EventTypeSystemAlert identifies high-severity system alert events.
	EventTypeSystemAlert = "SystemAlert"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

// Event is one bridge or launch occurrence. EntityID is the launch session
// id when one exists.
type Event struct {
	Type       string
	Timestamp  time.Time
	EntityType string
	EntityID   string
	Payload    any
	Severity   string
}

// Handler consumes a published event.
type Handler func(Event)

// Bus fans events out to subscribers. The returned func unsubscribes.
type Bus interface {
	Subscribe(eventType string, handler Handler) func()
	SubscribeAll(handler Handler) func()
	Publish(event Event)
}

// Publisher is the publish-only view of a Bus.
type Publisher interface {
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize sets the per-subscriber queue capacity.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger sets the logger that reports dropped events.
func WithLogger(logger *log.Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus delivers events to each subscriber on its own goroutine
// through a bounded queue. A full queue drops the event for that subscriber
// only; Publish never blocks.
type InMemoryBus struct {
	mu         sync.RWMutex
	bufferSize int
	logger     *log.Logger
	subs       map[uint64]*subscriber
	nextID     uint64
	closed     bool
	dropped    atomic.Uint64
	wg         sync.WaitGroup
}

type subscriber struct {
	id        uint64
	eventType string
	ch        chan Event
}

// New creates an in-memory event bus.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize: DefaultBufferSize,
		logger:     log.New(io.Discard),
		subs:       map[uint64]*subscriber{},
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers handler for one event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) func() {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return func() {}
	}
	return b.subscribe(eventType, handler)
}

// SubscribeAll registers handler for every event.
func (b *InMemoryBus) SubscribeAll(handler Handler) func() {
	return b.subscribe("", handler)
}

// Publish stamps and delivers event. Publishing after Close is a no-op.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	eventType := strings.TrimSpace(event.Type)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.eventType != "" && sub.eventType != eventType {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.With(
				"subscriber", sub.id,
				"type", event.Type,
				"entity_id", event.EntityID,
			).Warn("event queue full; dropping event")
		}
	}
}

// Close stops accepting events and waits for every handler to drain its queue.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// Subscribers returns the number of registered handlers.
func (b *InMemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were discarded on full queues.
func (b *InMemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *InMemoryBus) subscribe(eventType string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	sub := &subscriber{id: b.nextID, eventType: eventType, ch: make(chan Event, b.bufferSize)}
	b.subs[sub.id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for event := range sub.ch {
			handler(event)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(sub.id) })
	}
}

func (b *InMemoryBus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}
