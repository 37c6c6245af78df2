package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	routingKeyInfo = "kex/routing-key/v1"
	sessionKeyInfo = "kex/session-key/v1"
)

// DeriveRoutingKey derives the symmetric key protecting pre-handshake
// envelopes addressed to a session ID. Anyone who knows the session ID can
// derive it; its purpose is to keep payload contents opaque to the push
// provider, which only ever sees {recipientSessionId, notificationType}.
func DeriveRoutingKey(sessionID string) ([32]byte, error) {
	var key [32]byte
	if sessionID == "" {
		return key, fmt.Errorf("empty session ID")
	}

	reader := hkdf.New(sha256.New, []byte(sessionID), nil, []byte(routingKeyInfo))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return [32]byte{}, fmt.Errorf("failed to derive routing key: %w", err)
	}

	return key, nil
}

// DeriveSessionKey computes the per-peer session key from an X25519 key
// agreement, mixing in an ML-KEM shared secret when one was negotiated.
// It is called only once both public keys are known.
func DeriveSessionKey(privateKey, peerPublicKey [32]byte, kemSecret []byte) ([32]byte, error) {
	logrus.WithFields(logrus.Fields{
		"function":        "DeriveSessionKey",
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
		"hybrid":          len(kemSecret) > 0,
	}).Debug("Computing per-peer session key")

	// Copies keep the caller's key material untouched.
	var privateCopy [32]byte
	copy(privateCopy[:], privateKey[:])

	dh, err := curve25519.X25519(privateCopy[:], peerPublicKey[:])
	if err != nil {
		ZeroBytes(privateCopy[:])
		return [32]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	ikm := make([]byte, 0, len(dh)+len(kemSecret))
	ikm = append(ikm, dh...)
	ikm = append(ikm, kemSecret...)

	var key [32]byte
	reader := hkdf.New(sha256.New, ikm, nil, []byte(sessionKeyInfo))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		ZeroBytes(privateCopy[:])
		ZeroBytes(dh)
		ZeroBytes(ikm)
		return [32]byte{}, fmt.Errorf("failed to derive session key: %w", err)
	}

	ZeroBytes(privateCopy[:])
	ZeroBytes(dh)
	ZeroBytes(ikm)

	return key, nil
}
