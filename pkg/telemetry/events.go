package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

// EventSubscriber handles one delivered event.
type EventSubscriber func(event engine.Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event engine.Event) bool

// ErrPublisherClosed is returned by Publish after Shutdown.
var ErrPublisherClosed = errors.New("event publisher stopped")

// EventPublisher delivers lifecycle events to subscribers on a single
// goroutine, so each subscriber sees events in publish order. Publish never
// blocks: when the buffer is full the event is dropped and counted.
type EventPublisher struct {
	logger      zerolog.Logger
	buffer      chan engine.Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	dropped     atomic.Uint64
	closed      bool
	done        chan struct{}
}

type subscriberEntry struct {
	name       string
	subscriber EventSubscriber
	filter     EventFilter
}

var _ engine.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher starts a publisher with room for bufferSize pending events.
func NewEventPublisher(bufferSize int, logger zerolog.Logger) *EventPublisher {
	if bufferSize < 1 {
		bufferSize = 1
	}
	ep := &EventPublisher{
		logger: logger.With().Str("component", "events").Logger(),
		buffer: make(chan engine.Event, bufferSize),
		done:   make(chan struct{}),
	}
	go ep.processEvents()
	return ep
}

// Publish queues a copy of event. Missing ids and timestamps are filled in.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if event == nil {
		return nil
	}
	evt := *event
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return ErrPublisherClosed
	}

	select {
	case ep.buffer <- evt:
		return nil
	case <-ctx.Done():
		return engine.Classify(ctx.Err())
	default:
		ep.dropped.Add(1)
		return fmt.Errorf("event buffer full, %s dropped", evt.Type)
	}
}

// Subscribe registers a subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(name string, subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{name: name, subscriber: subscriber, filter: filter})
}

// Dropped reports how many events were discarded because the buffer was full.
func (ep *EventPublisher) Dropped() uint64 {
	return ep.dropped.Load()
}

func (ep *EventPublisher) processEvents() {
	defer close(ep.done)
	for event := range ep.buffer {
		ep.deliverEvent(event)
	}
}

func (ep *EventPublisher) deliverEvent(event engine.Event) {
	ep.mu.RLock()
	subscribers := ep.subscribers
	ep.mu.RUnlock()

	for _, entry := range subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		ep.safeDeliver(entry, event)
	}
}

func (ep *EventPublisher) safeDeliver(entry subscriberEntry, event engine.Event) {
	defer func() {
		if r := recover(); r != nil {
			ep.logger.Error().
				Str("subscriber", entry.name).
				Str("event", string(event.Type)).
				Interface("panic", r).
				Msg("Event subscriber panicked")
		}
	}()
	entry.subscriber(event)
}

// Shutdown stops accepting events and waits for queued ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.mu.Lock()
	if !ep.closed {
		ep.closed = true
		close(ep.buffer)
	}
	ep.mu.Unlock()

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// EventSink persists events, e.g. a plan store.
type EventSink interface {
	AppendEvent(ctx context.Context, event *engine.Event) error
}

// StoreSubscriber writes every delivered event to sink.
func StoreSubscriber(sink EventSink, logger zerolog.Logger) EventSubscriber {
	return func(event engine.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sink.AppendEvent(ctx, &event); err != nil {
			logger.Warn().Err(err).Str("event", string(event.Type)).Str("plan_id", event.PlanID).Msg("Failed to persist event")
		}
	}
}

// LogSubscriber writes every delivered event to logger at its level.
func LogSubscriber(logger zerolog.Logger) EventSubscriber {
	return func(event engine.Event) {
		var e *zerolog.Event
		switch event.Level {
		case "error":
			e = logger.Error()
		case "warning":
			e = logger.Warn()
		default:
			e = logger.Debug()
		}
		e.Str("event", string(event.Type)).
			Str("plan_id", event.PlanID).
			Str("step_id", event.StepID).
			Str("backend", event.Backend).
			Msg(event.Message)
	}
}

// FilterByType accepts only the given event types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByPlanID accepts only events of one plan.
func FilterByPlanID(planID string) EventFilter {
	return func(event engine.Event) bool {
		return event.PlanID == planID
	}
}
