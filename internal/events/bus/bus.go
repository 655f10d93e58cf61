// Package bus provides the event bus the kbot runtime publishes
// observability events on. Events never carry a contract: components must
// behave identically whether or not anyone subscribes.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // Component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	// Patterns use NATS-style wildcards: * for one token, > for the rest.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}

// Canonical subjects published by the runtime.
const (
	SubjectSessionCreated   = "session.created"
	SubjectSessionUpdated   = "session.updated"
	SubjectSessionEnded     = "session.ended"
	SubjectSessionRotated   = "session.rotated"
	SubjectSessionRecovered = "session.recovered"
	SubjectEventAppended    = "session.event.appended"

	SubjectConversationCreated  = "conversation.created"
	SubjectConversationArchived = "conversation.archived"
	SubjectTurnAppended         = "conversation.turn.appended"
	SubjectReadErrors           = "store.read.errors"

	SubjectReconstructionCompleted = "reconstruction.completed"

	SubjectUsageUpdate  = "usage.update"
	SubjectUsageError   = "usage.error"
	SubjectUsageTimeout = "usage.timeout"

	SubjectChannelStarted     = "channel.started"
	SubjectChannelStopped     = "channel.stopped"
	SubjectChannelUnhealthy   = "channel.unhealthy"
	SubjectChannelReconnected = "channel.reconnected"

	SubjectSupervisorSpawn      = "supervisor.spawn"
	SubjectSupervisorExit       = "supervisor.exit"
	SubjectSupervisorRespawn    = "supervisor.respawn"
	SubjectSupervisorEscalation = "supervisor.escalation"
	SubjectSupervisorDraining   = "supervisor.draining"
	SubjectSupervisorShutdown   = "supervisor.shutdown"
	SubjectSupervisorIPCError   = "supervisor.ipc_error"
)
