package exchange

import (
	"time"

	"github.com/opd-ai/kex/crypto"
)

// Wire payloads travel as JSON inside a sealed envelope body. Pre-handshake
// legs (request, decline, revoke) are sealed with the recipient's routing
// key; the acceptance leg rides a Noise-IK message; confirmations carry an
// inner proof sealed with the derived session key.

// RequestPayload announces a new exchange request to its recipient.
type RequestPayload struct {
	RequestID          string    `json:"request_id"`
	InitiatorSessionID string    `json:"initiator_session_id"`
	InitiatorPublicKey []byte    `json:"initiator_public_key"`
	KEMPublicKey       []byte    `json:"kem_public_key"`
	Phrase             string    `json:"phrase"`
	SentAt             time.Time `json:"sent_at"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// ResponsePayload is the acceptance, delivered inside a Noise-IK message
// that authenticates the responder's static key.
type ResponsePayload struct {
	RequestID          string                `json:"request_id"`
	ResponderSessionID string                `json:"responder_session_id"`
	ResponderPublicKey []byte                `json:"responder_public_key"`
	KEMCiphertext      []byte                `json:"kem_ciphertext"`
	UserData           *crypto.SealedPayload `json:"user_data,omitempty"`
	RespondedAt        time.Time             `json:"responded_at"`
}

// DeclinePayload notifies the initiator of a decline.
type DeclinePayload struct {
	RequestID          string    `json:"request_id"`
	ResponderSessionID string    `json:"responder_session_id"`
	DeclinedAt         time.Time `json:"declined_at"`
}

// RevokePayload notifies the recipient that the initiator withdrew the
// request; any late accept on this ID is stale.
type RevokePayload struct {
	RequestID          string    `json:"request_id"`
	InitiatorSessionID string    `json:"initiator_session_id"`
	RevokedAt          time.Time `json:"revoked_at"`
}

// ConfirmPayload acknowledges that the sender materialized the
// conversation. Proof is the request ID sealed with the derived session
// key, so only a party holding the shared key can confirm.
type ConfirmPayload struct {
	RequestID       string                `json:"request_id"`
	SenderSessionID string                `json:"sender_session_id"`
	Proof           *crypto.SealedPayload `json:"proof"`
	ConfirmedAt     time.Time             `json:"confirmed_at"`
}
