package crypto

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionKeyStore owns the per-peer-pair session key table. Keys are derived
// once per completed handshake and never reused across different peer pairs.
// No other component mutates the table directly.
type SessionKeyStore struct {
	mu   sync.RWMutex
	keys map[string]sessionKeyEntry
}

type sessionKeyEntry struct {
	key       [32]byte
	createdAt time.Time
}

// NewSessionKeyStore creates an empty session key table.
func NewSessionKeyStore() *SessionKeyStore {
	return &SessionKeyStore{
		keys: make(map[string]sessionKeyEntry),
	}
}

// PairKey builds the canonical table key for a peer pair. It orders the two
// session IDs so both sides of a handshake address the same entry.
func PairKey(localSessionID, peerSessionID string) string {
	if localSessionID < peerSessionID {
		return localSessionID + ":" + peerSessionID
	}
	return peerSessionID + ":" + localSessionID
}

// Put stores the session key for a peer pair.
func (s *SessionKeyStore) Put(pairKey string, key [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[pairKey] = sessionKeyEntry{key: key, createdAt: time.Now()}

	logrus.WithFields(logrus.Fields{
		"function": "Put",
		"pair":     truncatePair(pairKey),
	}).Debug("Stored session key for peer pair")
}

// Get returns the session key for a peer pair, if one has been derived.
func (s *SessionKeyStore) Get(pairKey string) ([32]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.keys[pairKey]
	return entry.key, ok
}

// Delete wipes and removes the session key for a peer pair.
func (s *SessionKeyStore) Delete(pairKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.keys[pairKey]; ok {
		ZeroBytes(entry.key[:])
		delete(s.keys, pairKey)
	}
}

// Len returns the number of stored session keys.
func (s *SessionKeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Wipe erases every stored key. Called on shutdown.
func (s *SessionKeyStore) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for pair, entry := range s.keys {
		ZeroBytes(entry.key[:])
		delete(s.keys, pair)
	}
}

func truncatePair(pairKey string) string {
	if len(pairKey) > 16 {
		return pairKey[:16]
	}
	return pairKey
}
