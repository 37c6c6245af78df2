package conversation

import (
	"errors"
	"time"
)

// Contact is the durable record of a peer identity.
type Contact struct {
	SessionID string    `json:"session_id"`
	PublicKey []byte    `json:"public_key"`
	AddedAt   time.Time `json:"added_at"`
}

// Conversation links exactly two participants to a shared key reference.
// It is created once by the materializer and destroyed only by an explicit
// user action outside this package.
type Conversation struct {
	ID                    string    `json:"id"`
	ParticipantSessionIDs [2]string `json:"participant_session_ids"`
	SharedKeyRef          string    `json:"shared_key_ref"`
	CreatedAt             time.Time `json:"created_at"`
	Confirmed             bool      `json:"confirmed"`
}

// Participants reports whether the conversation is between the two given
// session IDs, in either order.
func (c *Conversation) Participants(a, b string) bool {
	return (c.ParticipantSessionIDs[0] == a && c.ParticipantSessionIDs[1] == b) ||
		(c.ParticipantSessionIDs[0] == b && c.ParticipantSessionIDs[1] == a)
}

// ErrRollback indicates a partial materialization failure. It is always
// surfaced: it means local state needed manual attention before the
// rollback repaired it, or the rollback itself failed.
var ErrRollback = errors.New("materialization rolled back")

// Store is the durable contact and conversation table.
type Store interface {
	// PutContact inserts or replaces a contact.
	PutContact(contact *Contact) error

	// DeleteContact removes a contact; used only by rollback.
	DeleteContact(sessionID string) error

	// PutConversation inserts or replaces a conversation.
	PutConversation(conv *Conversation) error

	// GetConversation returns a conversation by ID.
	GetConversation(id string) (*Conversation, bool, error)

	// Conversations returns every stored conversation.
	Conversations() ([]*Conversation, error)

	// GetContact returns a contact by session ID.
	GetContact(sessionID string) (*Contact, bool, error)
}
