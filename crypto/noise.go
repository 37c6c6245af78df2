package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

// AcceptHandshake wraps a Noise-IK handshake state for the acceptance leg of
// an exchange. The responder of a key exchange request is the Noise
// initiator: having learned the requester's static public key from the
// request, it seals the exchange response into the first IK message, which
// authenticates both static keys in a single delivery.
type AcceptHandshake struct {
	handshake *noise.HandshakeState
	initiator bool
}

// NewAcceptHandshake creates a Noise-IK handshake over the given static
// keys. The initiator must know the peer's static public key in advance.
func NewAcceptHandshake(isInitiator bool, staticPrivate [32]byte, peerPublic [32]byte) (*AcceptHandshake, error) {
	publicKey, err := curve25519.X25519(staticPrivate[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive static public key: %w", err)
	}

	cs := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

	cfg := noise.Config{
		CipherSuite:   cs,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     isInitiator,
		StaticKeypair: noise.DHKey{Private: staticPrivate[:], Public: publicKey},
	}
	if isInitiator {
		cfg.PeerStatic = peerPublic[:]
	}

	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	return &AcceptHandshake{
		handshake: hs,
		initiator: isInitiator,
	}, nil
}

// Seal produces the first IK handshake message carrying payload. Only the
// initiating side may seal.
func (h *AcceptHandshake) Seal(payload []byte) ([]byte, error) {
	if !h.initiator {
		return nil, errors.New("only the handshake initiator can seal")
	}

	message, _, _, err := h.handshake.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to write handshake message: %w", err)
	}
	return message, nil
}

// Open processes the first IK handshake message and returns its payload
// along with the sender's authenticated static public key.
func (h *AcceptHandshake) Open(message []byte) ([]byte, [32]byte, error) {
	var senderKey [32]byte
	if h.initiator {
		return nil, senderKey, errors.New("only the handshake responder can open")
	}

	payload, _, _, err := h.handshake.ReadMessage(nil, message)
	if err != nil {
		return nil, senderKey, fmt.Errorf("failed to read handshake message: %w", err)
	}

	remote := h.handshake.PeerStatic()
	if len(remote) != 32 {
		return nil, senderKey, errors.New("handshake did not authenticate a peer static key")
	}
	copy(senderKey[:], remote)

	return payload, senderKey, nil
}
