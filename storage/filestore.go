package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kex/conversation"
	"github.com/opd-ai/kex/crypto"
	"github.com/opd-ai/kex/exchange"
)

// FileStore persists the protocol's durable state as JSON snapshots under
// a data directory. Every mutation rewrites the affected snapshot with an
// atomic write-rename, so a crash mid-write never corrupts existing state.
// Private key material never reaches disk in the clear: KEM secret keys are
// sealed through the key vault before they enter the request snapshot.
type FileStore struct {
	mu    sync.RWMutex
	mem   *MemoryStore
	dir   string
	vault *crypto.KeyVault
}

const (
	requestsFile      = "requests.json"
	contactsFile      = "contacts.json"
	conversationsFile = "conversations.json"
)

// requestRecord is the on-disk shape of an exchange request. The KEM secret
// key travels only as a vault-sealed blob.
type requestRecord struct {
	Request         *exchange.Request `json:"request"`
	SealedKEMSecret []byte            `json:"sealed_kem_secret,omitempty"`
}

// NewFileStore opens (creating if needed) a file store rooted at dir and
// loads any existing snapshots. The vault seals private key material at
// rest and is required.
func NewFileStore(dir string, vault *crypto.KeyVault) (*FileStore, error) {
	if vault == nil {
		return nil, errors.New("file store requires a key vault")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	fs := &FileStore{
		mem:   NewMemoryStore(),
		dir:   dir,
		vault: vault,
	}

	if err := fs.load(); err != nil {
		// A missing or unreadable snapshot starts fresh; protocol state is
		// reconstructible through reinvites.
		logrus.WithFields(logrus.Fields{
			"function": "NewFileStore",
			"dir":      dir,
		}).WithError(err).Warn("Could not load store snapshots, starting fresh")
	}

	return fs, nil
}

// PutRequest inserts or replaces an exchange request record and persists
// the request snapshot.
func (s *FileStore) PutRequest(req *exchange.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.PutRequest(req); err != nil {
		return err
	}
	return s.saveRequests()
}

// GetRequest returns the record for an ID, if present.
func (s *FileStore) GetRequest(id string) (*exchange.Request, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem.GetRequest(id)
}

// PendingRequests returns every non-terminal record.
func (s *FileStore) PendingRequests() ([]*exchange.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem.PendingRequests()
}

// Requests returns every record, terminal ones included.
func (s *FileStore) Requests() ([]*exchange.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem.Requests()
}

// PutContact inserts or replaces a contact and persists the snapshot.
func (s *FileStore) PutContact(contact *conversation.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.PutContact(contact); err != nil {
		return err
	}
	return s.saveContacts()
}

// GetContact returns a contact by session ID.
func (s *FileStore) GetContact(sessionID string) (*conversation.Contact, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem.GetContact(sessionID)
}

// DeleteContact removes a contact and persists the snapshot.
func (s *FileStore) DeleteContact(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.DeleteContact(sessionID); err != nil {
		return err
	}
	return s.saveContacts()
}

// PutConversation inserts or replaces a conversation and persists the
// snapshot.
func (s *FileStore) PutConversation(conv *conversation.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.PutConversation(conv); err != nil {
		return err
	}
	return s.saveConversations()
}

// GetConversation returns a conversation by ID.
func (s *FileStore) GetConversation(id string) (*conversation.Conversation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem.GetConversation(id)
}

// Conversations returns every stored conversation.
func (s *FileStore) Conversations() ([]*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem.Conversations()
}

func (s *FileStore) load() error {
	var firstErr error

	var records []*requestRecord
	if err := s.loadJSON(requestsFile, &records); err != nil {
		firstErr = err
	}
	for _, rec := range records {
		if rec.Request == nil {
			continue
		}
		if len(rec.SealedKEMSecret) > 0 {
			secret, err := s.vault.Open(rec.SealedKEMSecret)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "load",
					"request_id": rec.Request.ID,
				}).WithError(err).Warn("Could not unseal request key material, skipping record")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			rec.Request.KEMSecretKey = secret
		}
		_ = s.mem.PutRequest(rec.Request)
	}

	var contacts []*conversation.Contact
	if err := s.loadJSON(contactsFile, &contacts); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, c := range contacts {
		_ = s.mem.PutContact(c)
	}

	var conversations []*conversation.Conversation
	if err := s.loadJSON(conversationsFile, &conversations); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, c := range conversations {
		_ = s.mem.PutConversation(c)
	}

	return firstErr
}

func (s *FileStore) loadJSON(name string, out interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (s *FileStore) saveRequests() error {
	requests, err := s.mem.Requests()
	if err != nil {
		return err
	}

	records := make([]*requestRecord, 0, len(requests))
	for _, req := range requests {
		rec := &requestRecord{Request: req}
		if len(req.KEMSecretKey) > 0 {
			sealed, err := s.vault.Seal(req.KEMSecretKey)
			if err != nil {
				return fmt.Errorf("failed to seal request key material: %w", err)
			}
			rec.SealedKEMSecret = sealed
		}
		records = append(records, rec)
	}
	return s.saveJSON(requestsFile, records)
}

func (s *FileStore) saveContacts() error {
	s.mem.mu.RLock()
	contacts := make([]*conversation.Contact, 0, len(s.mem.contacts))
	for _, c := range s.mem.contacts {
		copied := *c
		contacts = append(contacts, &copied)
	}
	s.mem.mu.RUnlock()
	return s.saveJSON(contactsFile, contacts)
}

func (s *FileStore) saveConversations() error {
	conversations, err := s.mem.Conversations()
	if err != nil {
		return err
	}
	return s.saveJSON(conversationsFile, conversations)
}

// saveJSON writes a snapshot via temp-file-and-rename so readers never see
// a partial file.
func (s *FileStore) saveJSON(name string, value interface{}) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	return nil
}
