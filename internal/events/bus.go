package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Type identifies an event
type Type string

const (
	TaskCompleted        Type = "task:completed"
	TaskFailed           Type = "task:failed"
	FallbackUsed         Type = "fallback:used"
	ProviderCircuitOpen  Type = "provider:circuit-opened"
	ProviderCircuitClose Type = "provider:circuit-closed"
	CacheStatsUpdated    Type = "cache:stats-updated"
	CachePreloadNeeded   Type = "cache:preload-needed"
)

// Event is a single notification delivered to subscribers
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Provider  string                 `json:"provider,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Handler receives events on the bus goroutine
type Handler func(Event)

// Config holds event bus settings
type Config struct {
	BufferSize int `yaml:"buffer_size"`
}

// Bus is an at-most-once, in-process publish/subscribe queue. Publish never
// blocks; events are dropped when the buffer is full.
type Bus struct {
	config   Config
	logger   *logrus.Logger
	buffer   chan Event
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu       sync.RWMutex
	handlers map[Type][]Handler
	all      []Handler
	started  bool
	stopped  bool

	published atomic.Int64
	dropped   atomic.Int64
}

// New creates a bus. Call Start to begin delivery.
func New(config Config, logger *logrus.Logger) *Bus {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}

	return &Bus{
		config:   config,
		logger:   logger,
		buffer:   make(chan Event, config.BufferSize),
		stopChan: make(chan struct{}),
		handlers: make(map[Type][]Handler),
	}
}

// Subscribe registers h for one event type
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers h for every event type
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Start launches the delivery goroutine
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.stopped {
		return
	}
	b.started = true

	b.wg.Add(1)
	go b.eventProcessor()
}

// Publish queues an event. It reports false when the event was dropped.
func (b *Bus) Publish(t Type, provider, requestID string, data map[string]interface{}) bool {
	event := Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Provider:  provider,
		RequestID: requestID,
		Data:      data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return false
	}

	select {
	case b.buffer <- event:
		b.published.Add(1)
		return true
	default:
		b.dropped.Add(1)
		b.logger.WithField("event_type", t).Warn("Event buffer full, dropping event")
		return false
	}
}

// Published returns how many events were accepted
func (b *Bus) Published() int64 {
	return b.published.Load()
}

// Dropped returns how many events were discarded because the buffer was full
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops delivery after handing queued events to subscribers
func (b *Bus) Close() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stopChan)
	b.wg.Wait()
	close(b.buffer)

	for event := range b.buffer {
		b.dispatch(event)
	}
}

func (b *Bus) eventProcessor() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.buffer:
			b.dispatch(event)
		case <-b.stopChan:
			return
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.all))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, event)
	}
}

func (b *Bus) deliver(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"event_type": event.Type,
				"event_id":   event.ID,
				"panic":      r,
			}).Error("Event handler panicked")
		}
	}()
	h(event)
}
