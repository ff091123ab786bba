package journal

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/clinic-ops/patientflow/internal/shared/events"
	"github.com/clinic-ops/patientflow/internal/shared/metrics"
)

const consumerName = "journal-subscriber"

// Subscriber appends an entry for every transition event on the bus.
type Subscriber struct {
	sink   Sink
	bus    *events.Bus
	logger zerolog.Logger
	sub    *events.Subscription
}

// NewSubscriber creates a subscriber writing to sink.
func NewSubscriber(sink Sink, bus *events.Bus, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		sink:   sink,
		bus:    bus,
		logger: logger.With().Str("component", "journal").Str("sink", sink.Name()).Logger(),
	}
}

// Start loads the chain head and subscribes to transition events.
func (s *Subscriber) Start(ctx context.Context) error {
	if err := s.sink.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize journal: %w", err)
	}

	sub, err := s.bus.Subscribe(ctx, events.TopicTransitionPrefix+".*", consumerName, s.handleEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe journal: %w", err)
	}
	s.sub = sub
	return nil
}

// Stop detaches from the bus.
func (s *Subscriber) Stop() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
}

// Sink returns the underlying sink for reads.
func (s *Subscriber) Sink() Sink {
	return s.sink
}

func (s *Subscriber) handleEvent(ctx context.Context, event events.Event) error {
	entry, ok := FromEvent(event)
	if !ok {
		return nil
	}

	err := s.sink.Append(ctx, entry)
	metrics.RecordJournalEntry(s.sink.Name(), err)
	if err != nil {
		s.logger.Error().Err(err).
			Str("op", entry.Op).
			Str("registration_id", entry.RegistrationID).
			Msg("failed to journal transition")
		return fmt.Errorf("failed to append journal entry: %w", err)
	}

	s.logger.Debug().
		Int64("sequence", entry.Sequence).
		Str("op", entry.Op).
		Str("result", entry.Result).
		Msg("transition journaled")
	return nil
}
