package identity

import (
	"crypto/rand"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// Identity holds the long-term Curve25519 keypair for a local user.
//
// The private key is excluded from JSON serialization so an Identity can be
// logged or exported without leaking key material. Persisting the private
// key is the job of the at-rest-encrypted store collaborator.
type Identity struct {
	PublicKey  [32]byte `json:"public_key"`
	PrivateKey [32]byte `json:"-"`

	sessionID string
}

// Generate creates a fresh identity with a random Curve25519 keypair and the
// session ID derived from its public key.
func Generate() (*Identity, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	id := &Identity{
		PublicKey:  *publicKey,
		PrivateKey: *privateKey,
	}
	id.sessionID = DeriveSessionID(id.PublicKey)

	logrus.WithFields(logrus.Fields{
		"function":   "Generate",
		"session_id": id.sessionID[:8],
	}).Info("Generated new identity")

	return id, nil
}

// FromSecretKey reconstructs an identity from an existing private key,
// deriving the matching public key and session ID.
func FromSecretKey(secretKey [32]byte) (*Identity, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	publicKey, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	id := &Identity{PrivateKey: secretKey}
	copy(id.PublicKey[:], publicKey)
	id.sessionID = DeriveSessionID(id.PublicKey)

	return id, nil
}

// SessionID returns the routing identifier derived from the public key.
func (id *Identity) SessionID() string {
	if id.sessionID == "" {
		id.sessionID = DeriveSessionID(id.PublicKey)
	}
	return id.sessionID
}

// MarshalJSON guards against accidental private key serialization.
func (id *Identity) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		PublicKey []byte `json:"public_key"`
		SessionID string `json:"session_id"`
	}{
		PublicKey: id.PublicKey[:],
		SessionID: id.SessionID(),
	})
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
