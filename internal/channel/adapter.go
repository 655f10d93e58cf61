// Package channel defines the chat platform adapter contract and the
// lifecycle that keeps adapters healthy: periodic health checks, bounded
// reconnects and a FIFO send queue with retry.
package channel

import (
	"context"
	"errors"
)

// InboundMessage is a message received from a chat platform, normalized
// to the fields the router needs.
type InboundMessage struct {
	Platform  string `json:"platform"`
	Channel   string `json:"channel"`
	Kind      string `json:"kind"` // dm, group, thread
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	MessageID string `json:"message_id,omitempty"`
}

// MessageHandler receives inbound messages from an adapter.
type MessageHandler func(msg InboundMessage)

// Adapter is the contract a chat platform integration implements.
type Adapter interface {
	// Platform returns the platform name used in session keys.
	Platform() string

	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	SendMessage(ctx context.Context, channel, text string) error

	// OnMessage installs the inbound handler. Must be called before Start.
	OnMessage(handler MessageHandler)
}

// HealthChecker is implemented by adapters that can report liveness.
// Adapters without it are assumed healthy while started.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// TypingSender is implemented by adapters that support typing
// indicators. Always best effort.
type TypingSender interface {
	SendTyping(ctx context.Context, channel string) error
}

// MessageEditor is implemented by adapters whose platform supports
// editing an already-sent message in place.
type MessageEditor interface {
	EditMessage(ctx context.Context, channel, messageID, text string) error
}

// TrackedSender is implemented by adapters that can send a message under
// a caller-chosen id. Replies on such platforms stream as one message
// edited in place rather than a burst of separate messages.
type TrackedSender interface {
	MessageEditor
	SendTracked(ctx context.Context, channel, messageID, text string) error
}

// TransientError marks a send failure worth retrying, such as a platform
// rate limit.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
