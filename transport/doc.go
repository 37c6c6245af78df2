// Package transport defines the notification transport contract the key
// exchange protocol is carried over.
//
// The underlying push channel is an external collaborator: best-effort,
// able to silently drop, delay, or duplicate deliveries. This package
// specifies its send/receive surface, the envelope framing that keeps
// everything but {recipientSessionId, notificationType} opaque, a bounded
// dispatch queue that decouples provider callbacks from protocol handling,
// and an in-process implementation used by tests and the demo CLI.
package transport
