package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a progress notification emitted during a run.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	RunID     string                 `json:"run_id,omitempty"`
	StateID   string                 `json:"state_id,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted         = "run.started"
	EventTypeRunCompleted       = "run.completed"
	EventTypeStateCompleted     = "state.completed"
	EventTypeMapdataInvalidated = "mapdata.invalidated"
	EventTypePolicyViolation    = "policy.violation"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherClosed is returned by Publish after Shutdown.
var ErrPublisherClosed = errors.New("event publisher stopped")

// EventSubscriber handles delivered events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher delivers events to subscribers in publish order from a
// single goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	done        chan struct{}
	closeOnce   sync.Once
	closed      chan struct{}
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates and starts an event publisher.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled {
		return ep
	}

	size := cfg.BufferSize
	if size <= 0 {
		size = 64
	}
	ep.buffer = make(chan Event, size)
	ep.done = make(chan struct{})
	ep.closed = make(chan struct{})

	go ep.processEvents()
	return ep
}

// Publish queues an event. Events are dropped with an error when the
// buffer is full.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	select {
	case <-ep.closed:
		return ErrPublisherClosed
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	case <-ep.closed:
		return ErrPublisherClosed
	default:
		return errors.New("event buffer full, event dropped")
	}
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer close(ep.done)

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.closed:
			// Drain what is already queued
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering queued events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.closeOnce.Do(func() { close(ep.closed) })

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return errors.New("event publisher shutdown timeout")
	}
}

// FilterByType allows only events of the given types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID allows only events of one run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
