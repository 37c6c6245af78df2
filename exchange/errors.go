package exchange

import "errors"

var (
	// ErrInvalidRecipient indicates a malformed recipient session ID,
	// rejected before any network call.
	ErrInvalidRecipient = errors.New("invalid recipient session ID")

	// ErrProtocol indicates an invalid state transition attempt, such as
	// accepting a revoked request. Never surfaced to the user.
	ErrProtocol = errors.New("protocol error: invalid state transition")

	// ErrUnknownRequest indicates the request ID is not in the local store.
	ErrUnknownRequest = errors.New("unknown request ID")

	// ErrEmptyPhrase indicates a request was attempted without a context
	// phrase.
	ErrEmptyPhrase = errors.New("phrase cannot be empty")
)
