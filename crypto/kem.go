package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
)

const (
	// KEMPublicKeySize is the size of an ML-KEM-768 public key in bytes.
	KEMPublicKeySize = 1184
	// KEMSecretKeySize is the size of an ML-KEM-768 secret key in bytes.
	KEMSecretKeySize = 2400
	// KEMCiphertextSize is the size of an ML-KEM-768 ciphertext in bytes.
	KEMCiphertextSize = 1088
	// KEMSharedSecretSize is the size of the encapsulated shared secret.
	KEMSharedSecretSize = 32
)

// KEMKeyPair is an ML-KEM-768 keypair. The initiator of an exchange attaches
// the public half to its request so the responder can encapsulate a
// post-quantum secret into the acceptance; the session key derivation mixes
// that secret with the X25519 agreement.
type KEMKeyPair struct {
	Public []byte
	Secret []byte
}

// GenerateKEMKeyPair creates a fresh ML-KEM-768 keypair.
func GenerateKEMKeyPair() (*KEMKeyPair, error) {
	pub, priv, err := mlkem768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate KEM keypair: %w", err)
	}

	// MarshalBinary never fails for freshly generated keys.
	pubBytes, _ := pub.MarshalBinary()
	privBytes, _ := priv.MarshalBinary()

	return &KEMKeyPair{Public: pubBytes, Secret: privBytes}, nil
}

// Encapsulate produces a ciphertext and shared secret against a peer's
// encapsulation key.
func Encapsulate(peerPublic []byte) (ciphertext, sharedSecret []byte, err error) {
	if len(peerPublic) != KEMPublicKeySize {
		return nil, nil, errors.New("invalid KEM public key size")
	}

	var pub mlkem768.PublicKey
	pub.Unpack(peerPublic)

	ciphertext = make([]byte, KEMCiphertextSize)
	sharedSecret = make([]byte, KEMSharedSecretSize)
	pub.EncapsulateTo(ciphertext, sharedSecret, nil)

	return ciphertext, sharedSecret, nil
}

// Decapsulate recovers the shared secret from a ciphertext.
func (kp *KEMKeyPair) Decapsulate(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != KEMCiphertextSize {
		return nil, errors.New("invalid KEM ciphertext size")
	}
	if len(kp.Secret) != KEMSecretKeySize {
		return nil, errors.New("invalid KEM secret key size")
	}

	var priv mlkem768.PrivateKey
	if err := priv.Unpack(kp.Secret); err != nil {
		return nil, fmt.Errorf("failed to unpack KEM secret key: %w", err)
	}

	sharedSecret := make([]byte, KEMSharedSecretSize)
	priv.DecapsulateTo(sharedSecret, ciphertext)

	return sharedSecret, nil
}

// Wipe erases the secret half of the keypair.
func (kp *KEMKeyPair) Wipe() {
	if kp != nil && kp.Secret != nil {
		ZeroBytes(kp.Secret)
	}
}
