package storage

import (
	"sync"

	"github.com/opd-ai/kex/conversation"
	"github.com/opd-ai/kex/exchange"
)

// MemoryStore is an in-process implementation of the exchange and
// conversation stores.
type MemoryStore struct {
	mu            sync.RWMutex
	requests      map[string]*exchange.Request
	contacts      map[string]*conversation.Contact
	conversations map[string]*conversation.Conversation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:      make(map[string]*exchange.Request),
		contacts:      make(map[string]*conversation.Contact),
		conversations: make(map[string]*conversation.Conversation),
	}
}

// PutRequest inserts or replaces an exchange request record.
func (s *MemoryStore) PutRequest(req *exchange.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req.Clone()
	return nil
}

// GetRequest returns the record for an ID, if present.
func (s *MemoryStore) GetRequest(id string) (*exchange.Request, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, false, nil
	}
	return req.Clone(), true, nil
}

// PendingRequests returns every non-terminal record.
func (s *MemoryStore) PendingRequests() ([]*exchange.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*exchange.Request
	for _, req := range s.requests {
		if !req.State.Terminal() {
			pending = append(pending, req.Clone())
		}
	}
	return pending, nil
}

// Requests returns every record, terminal ones included.
func (s *MemoryStore) Requests() ([]*exchange.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*exchange.Request, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, req.Clone())
	}
	return out, nil
}

// PutContact inserts or replaces a contact.
func (s *MemoryStore) PutContact(contact *conversation.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *contact
	s.contacts[contact.SessionID] = &c
	return nil
}

// GetContact returns a contact by session ID.
func (s *MemoryStore) GetContact(sessionID string) (*conversation.Contact, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	contact, ok := s.contacts[sessionID]
	if !ok {
		return nil, false, nil
	}
	c := *contact
	return &c, true, nil
}

// DeleteContact removes a contact; used only by rollback.
func (s *MemoryStore) DeleteContact(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contacts, sessionID)
	return nil
}

// PutConversation inserts or replaces a conversation.
func (s *MemoryStore) PutConversation(conv *conversation.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *conv
	s.conversations[conv.ID] = &c
	return nil
}

// GetConversation returns a conversation by ID.
func (s *MemoryStore) GetConversation(id string) (*conversation.Conversation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, false, nil
	}
	c := *conv
	return &c, true, nil
}

// Conversations returns every stored conversation.
func (s *MemoryStore) Conversations() ([]*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*conversation.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		c := *conv
		out = append(out, &c)
	}
	return out, nil
}
