// Package exchange implements the key exchange request state machine.
//
// An exchange request moves Created → Sent → {Accepted, Declined, Revoked,
// Expired}; every transition is one-way and terminal states are final.
// Both sides of a handshake keep their own copy of the request and
// reconcile only through protocol messages, never shared state.
//
// The engine serializes mutations per request ID, gates every send and
// receive through the delivery deduplicator, retries transient transport
// failures with exponential backoff, and persists non-terminal requests so
// the protocol survives extended transport outages.
package exchange
