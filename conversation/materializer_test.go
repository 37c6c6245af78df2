package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/kex/transport"
)

// faultStore is an in-memory Store with injectable failures.
type faultStore struct {
	mu            sync.Mutex
	contacts      map[string]*Contact
	conversations map[string]*Conversation

	failPutContact      bool
	failPutConversation bool
	failDeleteContact   bool
}

func newFaultStore() *faultStore {
	return &faultStore{
		contacts:      make(map[string]*Contact),
		conversations: make(map[string]*Conversation),
	}
}

func (s *faultStore) PutContact(contact *Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPutContact {
		return errors.New("injected contact failure")
	}
	c := *contact
	s.contacts[contact.SessionID] = &c
	return nil
}

func (s *faultStore) GetContact(sessionID string) (*Contact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[sessionID]
	if !ok {
		return nil, false, nil
	}
	copied := *c
	return &copied, true, nil
}

func (s *faultStore) DeleteContact(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDeleteContact {
		return errors.New("injected delete failure")
	}
	delete(s.contacts, sessionID)
	return nil
}

func (s *faultStore) PutConversation(conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPutConversation {
		return errors.New("injected conversation failure")
	}
	c := *conv
	s.conversations[conv.ID] = &c
	return nil
}

func (s *faultStore) GetConversation(id string) (*Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, false, nil
	}
	copied := *c
	return &copied, true, nil
}

func (s *faultStore) Conversations() ([]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		copied := *c
		out = append(out, &copied)
	}
	return out, nil
}

func (s *faultStore) contactCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contacts)
}

func noConfirm(context.Context, string, int) (*transport.SendResult, error) {
	return &transport.SendResult{Accepted: true, DeliveredCount: 1}, nil
}

func params(confirmed bool) MaterializeParams {
	return MaterializeParams{
		RequestID:      "req-1",
		LocalSessionID: "local-sid",
		PeerSessionID:  "peer-sid",
		PeerPublicKey:  []byte{1, 2, 3},
		SharedKeyRef:   "local-sid|peer-sid",
		Confirmed:      confirmed,
	}
}

func TestMaterializeCreatesContactAndConversation(t *testing.T) {
	store := newFaultStore()
	m := NewMaterializer(store, noConfirm)
	defer m.Close()

	var created *Conversation
	m.OnConversationCreated(func(c *Conversation) { created = c })

	conv, err := m.Materialize(context.Background(), params(true))
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.True(t, conv.Confirmed)
	assert.True(t, conv.Participants("local-sid", "peer-sid"))
	assert.True(t, conv.Participants("peer-sid", "local-sid"))
	assert.Equal(t, "local-sid|peer-sid", conv.SharedKeyRef)

	require.NotNil(t, created)
	assert.Equal(t, conv.ID, created.ID)

	contact, ok, err := store.GetContact("peer-sid")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, contact.PublicKey)

	stored, ok, err := store.GetConversation(conv.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, conv.ID, stored.ID)
}

func TestMaterializeRollsBackContactOnConversationFailure(t *testing.T) {
	store := newFaultStore()
	store.failPutConversation = true

	m := NewMaterializer(store, noConfirm)
	defer m.Close()

	var rolledBackID string
	var rollbackErr error
	m.OnConversationRollback(func(requestID string, err error) {
		rolledBackID = requestID
		rollbackErr = err
	})

	conv, err := m.Materialize(context.Background(), params(true))
	assert.Nil(t, conv)
	require.ErrorIs(t, err, ErrRollback)

	assert.Equal(t, "req-1", rolledBackID)
	assert.ErrorIs(t, rollbackErr, ErrRollback)

	// No orphan contact without a conversation.
	assert.Equal(t, 0, store.contactCount())
	convs, err := store.Conversations()
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestMaterializeRollbackKeepsPreexistingContact(t *testing.T) {
	store := newFaultStore()
	require.NoError(t, store.PutContact(&Contact{SessionID: "peer-sid", PublicKey: []byte{9}}))
	store.failPutConversation = true

	m := NewMaterializer(store, noConfirm)
	defer m.Close()

	_, err := m.Materialize(context.Background(), params(true))
	require.ErrorIs(t, err, ErrRollback)

	// A contact that predated this materialization is not deleted.
	_, ok, err := store.GetContact("peer-sid")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMaterializeSurfacesFailedRollback(t *testing.T) {
	store := newFaultStore()
	store.failPutConversation = true
	store.failDeleteContact = true

	m := NewMaterializer(store, noConfirm)
	defer m.Close()

	_, err := m.Materialize(context.Background(), params(true))
	require.ErrorIs(t, err, ErrRollback)
	assert.Contains(t, err.Error(), "rollback failed")
}

func TestMaterializeContactFailureNeedsNoRollback(t *testing.T) {
	store := newFaultStore()
	store.failPutContact = true

	m := NewMaterializer(store, noConfirm)
	defer m.Close()

	_, err := m.Materialize(context.Background(), params(true))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRollback)
	assert.Equal(t, 0, store.contactCount())
}

func TestUnconfirmedConversationRetriesConfirmation(t *testing.T) {
	store := newFaultStore()

	var mu sync.Mutex
	var attempts []int
	confirm := func(_ context.Context, requestID string, attempt int) (*transport.SendResult, error) {
		mu.Lock()
		attempts = append(attempts, attempt)
		mu.Unlock()
		if attempt < 3 {
			return &transport.SendResult{Accepted: true, DeliveredCount: 0}, nil
		}
		return &transport.SendResult{Accepted: true, DeliveredCount: 1}, nil
	}

	m := NewMaterializer(store, confirm)
	m.confirmBase = 10 * time.Millisecond
	defer m.Close()

	conv, err := m.Materialize(context.Background(), params(false))
	require.NoError(t, err)
	assert.False(t, conv.Confirmed)

	require.Eventually(t, func() bool {
		stored, ok, err := store.GetConversation(conv.ID)
		return err == nil && ok && stored.Confirmed
	}, 3*time.Second, 10*time.Millisecond, "delivered confirmation never marked the conversation confirmed")

	mu.Lock()
	assert.Equal(t, []int{2, 3}, attempts, "retries stop once delivery succeeds")
	mu.Unlock()
}

func TestExhaustedConfirmationWarnsButKeepsConversation(t *testing.T) {
	store := newFaultStore()

	confirm := func(context.Context, string, int) (*transport.SendResult, error) {
		return &transport.SendResult{Accepted: true, DeliveredCount: 0}, nil
	}

	m := NewMaterializer(store, confirm)
	m.confirmBase = 5 * time.Millisecond
	defer m.Close()

	var mu sync.Mutex
	var warnedID, reason string
	m.OnDeliveryWarning(func(conversationID, r string) {
		mu.Lock()
		warnedID, reason = conversationID, r
		mu.Unlock()
	})

	conv, err := m.Materialize(context.Background(), params(false))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return warnedID == conv.ID
	}, 3*time.Second, 10*time.Millisecond, "exhausted confirmation never warned")

	mu.Lock()
	assert.Contains(t, reason, "may need to reconnect")
	mu.Unlock()

	// The conversation is never undone by delivery failure.
	stored, ok, err := store.GetConversation(conv.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, stored.Confirmed)
}

func TestConfirmPeerCancelsRetriesAndMarksConfirmed(t *testing.T) {
	store := newFaultStore()

	var mu sync.Mutex
	calls := 0
	confirm := func(context.Context, string, int) (*transport.SendResult, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return &transport.SendResult{Accepted: true, DeliveredCount: 0}, nil
	}

	m := NewMaterializer(store, confirm)
	m.confirmBase = 200 * time.Millisecond
	defer m.Close()

	conv, err := m.Materialize(context.Background(), params(false))
	require.NoError(t, err)

	// The peer's confirmation arrives before the first retry fires.
	require.NoError(t, m.ConfirmPeer("req-1", "local-sid", "peer-sid"))

	stored, ok, err := store.GetConversation(conv.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stored.Confirmed)

	time.Sleep(500 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, calls, "cancelled retries must not reach the transport")
	mu.Unlock()
}

func TestParticipantsOrderInsensitive(t *testing.T) {
	conv := &Conversation{ParticipantSessionIDs: [2]string{"a", "b"}}
	assert.True(t, conv.Participants("a", "b"))
	assert.True(t, conv.Participants("b", "a"))
	assert.False(t, conv.Participants("a", "c"))
}
