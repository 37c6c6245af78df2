package transport

import (
	"context"
	"errors"
	"time"
)

// NotificationType identifies the kind of handshake notification carried in
// an envelope. It is one of the two fields visible to the push provider.
type NotificationType byte

const (
	NotificationRequest NotificationType = iota + 1
	NotificationAccept
	NotificationDecline
	NotificationRevoke
	NotificationConfirm
)

// String returns a human-readable name for logging.
func (t NotificationType) String() string {
	switch t {
	case NotificationRequest:
		return "request"
	case NotificationAccept:
		return "accept"
	case NotificationDecline:
		return "decline"
	case NotificationRevoke:
		return "revoke"
	case NotificationConfirm:
		return "confirm"
	default:
		return "unknown"
	}
}

// DefaultSendTimeout bounds a single transport send.
const DefaultSendTimeout = 10 * time.Second

// ErrTransport marks transient delivery failures eligible for bounded retry
// with backoff.
var ErrTransport = errors.New("transport failure")

// SendResult reports the outcome of a send. DeliveredCount == 0 with
// Accepted == true signals reachable-but-undelivered (recipient offline or
// unregistered), not a hard failure.
type SendResult struct {
	Accepted       bool
	DeliveredCount int
}

// Handler processes an inbound envelope.
type Handler func(env *Envelope) error

// Transport is the contract consumed from the push-notification
// collaborator. Implementations are best-effort: callers own deduplication,
// retries, and timeouts.
type Transport interface {
	// Send dispatches an envelope toward its recipient session ID.
	Send(ctx context.Context, env *Envelope) (*SendResult, error)

	// RegisterHandler registers a handler for a notification type.
	// Handlers may be invoked from the provider's callback goroutine and
	// must not block.
	RegisterHandler(notificationType NotificationType, handler Handler)

	// Close shuts down the transport.
	Close() error
}
