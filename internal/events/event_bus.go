// Package events provides the in-process event bus for round lifecycle
// notifications.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/arena-backend/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType defines the category of event
type EventType string

const (
	EventRoundCreated   EventType = "round.created"
	EventRoundStarted   EventType = "round.started"
	EventRoundProgress  EventType = "round.progress"
	EventAgentCompleted EventType = "agent.completed"
	EventAgentFailed    EventType = "agent.failed"
	EventRoundCompleted EventType = "round.completed"
	EventRoundFailed    EventType = "round.failed"
	EventRoundDeleted   EventType = "round.deleted"
)

// Event is the base interface for all events
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides common event functionality
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

// NewBaseEvent creates a new base event with generated ID and timestamp
func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// RoundEvent reports a change in a round or one of its agents.
type RoundEvent struct {
	BaseEvent
	RoundID         string            `json:"round_id"`
	Status          types.RoundStatus `json:"status"`
	Progress        float64           `json:"progress"`
	AgentsProcessed int               `json:"agents_processed"`
	TotalAgents     int               `json:"total_agents"`
	AgentID         string            `json:"agent_id,omitempty"`
	Message         string            `json:"message,omitempty"`
}

// NewRoundEvent creates a round event from a status snapshot.
func NewRoundEvent(t EventType, st types.RoundStatusResponse) *RoundEvent {
	e := &RoundEvent{
		BaseEvent:       NewBaseEvent(t),
		RoundID:         st.ID,
		Status:          st.Status,
		Progress:        st.Progress,
		AgentsProcessed: st.AgentsProcessed,
		TotalAgents:     st.TotalAgents,
	}
	if st.ErrorMessage != nil {
		e.Message = *st.ErrorMessage
	}
	return e
}

// EventHandler is a function that processes events
type EventHandler func(event Event) error

// EventFilter can selectively process events
type EventFilter func(event Event) bool

// SubscriptionOptions configures subscription behavior
type SubscriptionOptions struct {
	Filter EventFilter // Optional filter
	Async  bool        // Run the handler in its own goroutine
}

// Subscription represents an active event subscription
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	Options   SubscriptionOptions
	active    atomic.Bool
}

// IsActive returns whether subscription is active
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// EventBusStats tracks bus counters
type EventBusStats struct {
	EventsPublished   int64 `json:"events_published"`
	EventsProcessed   int64 `json:"events_processed"`
	EventsDropped     int64 `json:"events_dropped"`
	ProcessingErrors  int64 `json:"processing_errors"`
	ActiveSubscribers int64 `json:"active_subscribers"`
}

// EventBusConfig configures the event bus
type EventBusConfig struct {
	NumWorkers int `json:"numWorkers"`
	BufferSize int `json:"bufferSize"`
}

// DefaultEventBusConfig uses a single worker so subscribers see events in
// publish order.
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		NumWorkers: 1,
		BufferSize: 4096,
	}
}

// EventBus is the central event routing system
type EventBus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan   chan Event
	workerCount int

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewEventBus creates an event bus and starts its workers.
func NewEventBus(logger *zap.Logger, config EventBusConfig) *EventBus {
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 4096
	}

	ctx, cancel := context.WithCancel(context.Background())
	eb := &EventBus{
		subscribers: make(map[EventType][]*Subscription),
		eventChan:   make(chan Event, config.BufferSize),
		workerCount: config.NumWorkers,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}

	for i := 0; i < config.NumWorkers; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}

	eb.logger.Info("EventBus initialized",
		zap.Int("workers", config.NumWorkers),
		zap.Int("buffer_size", config.BufferSize),
	)
	return eb
}

func (eb *EventBus) worker() {
	defer eb.wg.Done()

	for {
		select {
		case <-eb.ctx.Done():
			return
		case event := <-eb.eventChan:
			eb.processEvent(event)
		}
	}
}

// processEvent routes event to subscribers
func (eb *EventBus) processEvent(event Event) {
	eb.mu.RLock()
	subs := append([]*Subscription(nil), eb.subscribers[event.GetType()]...)
	subs = append(subs, eb.allSubscribers...)
	eb.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if sub.Options.Filter != nil && !sub.Options.Filter(event) {
			continue
		}
		if sub.Options.Async {
			go eb.executeHandler(sub, event)
		} else {
			eb.executeHandler(sub, event)
		}
	}

	eb.eventsProcessed.Add(1)
}

// executeHandler safely executes a handler with panic recovery
func (eb *EventBus) executeHandler(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.processingErrors.Add(1)
			eb.logger.Error("Event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(event.GetType())),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.Handler(event); err != nil {
		eb.processingErrors.Add(1)
		eb.logger.Warn("Event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(event.GetType())),
			zap.Error(err),
		)
	}
}

func (eb *EventBus) newSubscription(eventType EventType, handler EventHandler, opts []SubscriptionOptions) *Subscription {
	sub := &Subscription{
		ID:        uuid.NewString(),
		EventType: eventType,
		Handler:   handler,
	}
	if len(opts) > 0 {
		sub.Options = opts[0]
	}
	sub.active.Store(true)
	eb.activeSubscribers.Add(1)
	return sub
}

// Subscribe registers a handler for an event type
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub := eb.newSubscription(eventType, handler, opts)
	eb.subscribers[eventType] = append(eb.subscribers[eventType], sub)

	eb.logger.Debug("Subscription added",
		zap.String("id", sub.ID),
		zap.String("event_type", string(eventType)),
	)
	return sub
}

// SubscribeAll registers a handler for all event types
func (eb *EventBus) SubscribeAll(handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub := eb.newSubscription("*", handler, opts)
	eb.allSubscribers = append(eb.allSubscribers, sub)
	return sub
}

// SubscribeMultiple registers a handler for multiple event types
func (eb *EventBus) SubscribeMultiple(eventTypes []EventType, handler EventHandler, opts ...SubscriptionOptions) []*Subscription {
	subs := make([]*Subscription, len(eventTypes))
	for i, eventType := range eventTypes {
		subs[i] = eb.Subscribe(eventType, handler, opts...)
	}
	return subs
}

// Unsubscribe deactivates a subscription and removes it from routing.
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	if !sub.active.Swap(false) {
		return
	}
	eb.activeSubscribers.Add(-1)

	eb.mu.Lock()
	defer eb.mu.Unlock()
	if sub.EventType == "*" {
		eb.allSubscribers = remove(eb.allSubscribers, sub)
		return
	}
	eb.subscribers[sub.EventType] = remove(eb.subscribers[sub.EventType], sub)
}

func remove(subs []*Subscription, target *Subscription) []*Subscription {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Publish sends an event to all subscribers (non-blocking)
// If the buffer is full, the event is dropped and counted
func (eb *EventBus) Publish(event Event) {
	select {
	case eb.eventChan <- event:
		eb.eventsPublished.Add(1)
	default:
		eb.eventsDropped.Add(1)
		eb.logger.Warn("Event dropped - buffer full",
			zap.String("event_type", string(event.GetType())),
		)
	}
}

// PublishSync delivers an event on the caller's goroutine.
func (eb *EventBus) PublishSync(event Event) {
	eb.eventsPublished.Add(1)
	eb.processEvent(event)
}

// GetStats returns current statistics
func (eb *EventBus) GetStats() EventBusStats {
	return EventBusStats{
		EventsPublished:   eb.eventsPublished.Load(),
		EventsProcessed:   eb.eventsProcessed.Load(),
		EventsDropped:     eb.eventsDropped.Load(),
		ProcessingErrors:  eb.processingErrors.Load(),
		ActiveSubscribers: eb.activeSubscribers.Load(),
	}
}

// Stop shuts down the event bus gracefully
func (eb *EventBus) Stop() {
	eb.logger.Info("Shutting down EventBus...")
	eb.cancel()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		eb.logger.Info("EventBus shutdown complete",
			zap.Int64("events_processed", eb.eventsProcessed.Load()),
			zap.Int64("events_dropped", eb.eventsDropped.Load()),
		)
	case <-time.After(5 * time.Second):
		eb.logger.Warn("EventBus shutdown timed out")
	}
}
