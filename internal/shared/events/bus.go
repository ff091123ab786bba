package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event represents a notification raised inside the process
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`

	// Opaque staff role of whoever triggered the event
	ActorRole string `json:"actor_role,omitempty"`

	Data any `json:"data"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType, source string, data any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// WithActor sets the acting role on the event
func (e Event) WithActor(role string) Event {
	e.ActorRole = role
	return e
}

// WithCorrelation sets the correlation ID for request tracing
func (e Event) WithCorrelation(correlationID string) Event {
	e.CorrelationID = correlationID
	return e
}

// QueueUpdate is the payload of the stage notification topics.
type QueueUpdate struct {
	RegistrationID string `json:"registration_id,omitempty"`
	Action         string `json:"action,omitempty"`
}

// Handler is a function that handles an event
type Handler func(ctx context.Context, event Event) error

// Subscription is a registered handler. It is safe to Unsubscribe twice.
type Subscription struct {
	id       uint64
	pattern  string
	consumer string
	handler  Handler
	ctx      context.Context
	bus      *Bus
	once     sync.Once
	stop     chan struct{}
}

// Consumer returns the consumer name given at subscription time.
func (s *Subscription) Consumer() string {
	return s.consumer
}

// Unsubscribe removes the handler from the bus.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.stop)
		s.bus.remove(s.id)
	})
}

// Bus is an in-process publish/subscribe channel with named topics.
// Delivery is synchronous, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	logger zerolog.Logger
}

// NewBus creates an empty bus
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// Publish delivers event to every subscription whose pattern matches its
// type. Handler errors are logged and returned joined; they never stop
// delivery to the remaining subscribers.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus closed")
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if matchesPattern(event.Type, s.pattern) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	var errs []error
	for _, s := range targets {
		if s.ctx.Err() != nil {
			continue
		}
		if err := s.handler(ctx, event); err != nil {
			b.logger.Warn().Err(err).
				Str("event_type", event.Type).
				Str("event_id", event.ID).
				Str("consumer", s.consumer).
				Msg("handler error")
			errs = append(errs, fmt.Errorf("%s: %w", s.consumer, err))
		}
	}

	return errors.Join(errs...)
}

// Subscribe registers handler for events matching pattern ("*",
// "transition.*" or an exact topic name).
func (b *Bus) Subscribe(ctx context.Context, pattern string, consumerName string, handler Handler) (*Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("event bus closed")
	}
	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		pattern:  pattern,
		consumer: consumerName,
		handler:  handler,
		ctx:      ctx,
		bus:      b,
		stop:     make(chan struct{}),
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.stop:
		}
	}()

	return sub, nil
}

// Subscribers reports how many subscriptions are currently registered.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Close drops every subscription. Publishing after Close fails.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { close(s.stop) })
	}
}

// matchesPattern checks if an event type matches a pattern
// Pattern format: "category.*", "category.action", "*"
func matchesPattern(eventType, pattern string) bool {
	if pattern == "*" || pattern == ">" {
		return true
	}

	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return strings.HasPrefix(eventType, prefix+".")
	}

	return eventType == pattern
}
