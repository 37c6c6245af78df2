package exchange

import (
	"time"
)

// State is the lifecycle position of an exchange request.
type State uint8

const (
	StateCreated State = iota
	StateSent
	StateAccepted
	StateDeclined
	StateRevoked
	StateExpired
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSent:
		return "sent"
	case StateAccepted:
		return "accepted"
	case StateDeclined:
		return "declined"
	case StateRevoked:
		return "revoked"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is permitted.
func (s State) Terminal() bool {
	switch s {
	case StateAccepted, StateDeclined, StateRevoked, StateExpired:
		return true
	default:
		return false
	}
}

// Direction records which side of the handshake this copy belongs to.
type Direction uint8

const (
	Outbound Direction = iota // we initiated
	Inbound                   // the peer initiated
)

// Request is one side's durable copy of an exchange request. Terminal
// records are retained for reference, not deleted; a reinvite creates a new
// request with a fresh ID.
type Request struct {
	ID                 string    `json:"id"`
	InitiatorSessionID string    `json:"initiator_session_id"`
	RecipientSessionID string    `json:"recipient_session_id"`
	Phrase             string    `json:"phrase"`
	State              State     `json:"state"`
	Direction          Direction `json:"direction"`
	CreatedAt          time.Time `json:"created_at"`
	ExpiresAt          time.Time `json:"expires_at"`
	RespondedAt        time.Time `json:"responded_at,omitempty"`

	// PeerPublicKey is the remote static key: the initiator's key on an
	// inbound copy, the responder's key once an outbound copy is accepted.
	PeerPublicKey []byte `json:"peer_public_key,omitempty"`

	// KEMPublicKey is the initiator's ML-KEM encapsulation key, carried by
	// both copies. KEMSecretKey exists only on the initiator's copy and is
	// never serialized in the clear; the durable store seals it through the
	// key vault before it reaches disk.
	KEMPublicKey []byte `json:"kem_public_key,omitempty"`
	KEMSecretKey []byte `json:"-"`

	// ResponseEnvelope caches the marshaled acceptance envelope on the
	// responder's copy so confirmation retries retransmit identical bytes.
	ResponseEnvelope []byte `json:"response_envelope,omitempty"`
}

// PeerSessionID returns the remote party's session ID for this copy.
func (r *Request) PeerSessionID() string {
	if r.Direction == Outbound {
		return r.RecipientSessionID
	}
	return r.InitiatorSessionID
}

// Expired reports whether the request is past its expiry deadline.
func (r *Request) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Clone returns a deep copy so stored records never alias engine-held ones.
func (r *Request) Clone() *Request {
	out := *r
	out.PeerPublicKey = append([]byte(nil), r.PeerPublicKey...)
	out.KEMPublicKey = append([]byte(nil), r.KEMPublicKey...)
	out.KEMSecretKey = append([]byte(nil), r.KEMSecretKey...)
	out.ResponseEnvelope = append([]byte(nil), r.ResponseEnvelope...)
	return &out
}
