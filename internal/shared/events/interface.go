package events

import (
	"context"
)

// Queue notification topics. Any component may raise them after a
// successful transition; pollers listen to re-fetch early.
const (
	TopicReceptionQueueUpdated = "receptionQueueUpdated"
	TopicOpdQueueUpdated       = "opdQueueUpdated"
	TopicDoctorQueueUpdated    = "doctorQueueUpdated"
)

// Topics raised by the orchestrator itself.
const (
	TopicSnapshotRefreshed = "flow.snapshot.refreshed"
	TopicTransitionPrefix  = "transition"
)

// QueueTopics lists the three stage notification topics.
var QueueTopics = []string{
	TopicReceptionQueueUpdated,
	TopicOpdQueueUpdated,
	TopicDoctorQueueUpdated,
}

// EventBus defines the interface for event publishing and subscription
type EventBus interface {
	// Publish delivers an event to every matching subscription
	Publish(ctx context.Context, event Event) error

	// Subscribe registers handler for events matching pattern. The
	// subscription ends when ctx is done or Unsubscribe is called.
	Subscribe(ctx context.Context, pattern string, consumerName string, handler Handler) (*Subscription, error)

	// Close drops every subscription
	Close()
}

// Ensure Bus implements EventBus
var _ EventBus = (*Bus)(nil)
