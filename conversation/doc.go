// Package conversation materializes durable contacts and conversations
// from completed key exchanges.
//
// Materialization is all-or-nothing: the contact insert and the
// conversation insert succeed or fail together, with the contact rolled
// back when the conversation cannot be created. A conversation whose
// confirmation notice never reached the peer is kept but flagged
// unconfirmed while a bounded retry runs.
package conversation
