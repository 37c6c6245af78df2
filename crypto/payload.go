package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// Nonce is a 24-byte value used for encryption.
type Nonce [24]byte

// MaxPayloadSize bounds handshake payloads at 64KB. Exchange payloads are
// small; anything larger is malformed or hostile.
const MaxPayloadSize = 64 * 1024

// SealedPayload is an encrypted handshake payload. The checksum is a
// SHA-256 digest of the plaintext, verified after decryption independently
// of the cipher's own authentication.
type SealedPayload struct {
	Nonce      Nonce    `json:"nonce"`
	Checksum   [32]byte `json:"checksum"`
	Ciphertext []byte   `json:"ciphertext"`
}

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// Encrypt seals a plaintext with authenticated symmetric encryption and
// records the plaintext checksum alongside the ciphertext.
func Encrypt(plaintext []byte, key [32]byte) (*SealedPayload, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("empty plaintext")
	}
	if len(plaintext) > MaxPayloadSize {
		return nil, errors.New("payload too large")
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	sealed := &SealedPayload{
		Nonce:    nonce,
		Checksum: sha256.Sum256(plaintext),
	}
	sealed.Ciphertext = secretbox.Seal(nil, plaintext, (*[24]byte)(&nonce), (*[32]byte)(&key))

	return sealed, nil
}

// Decrypt opens a sealed payload and verifies the plaintext checksum.
// A cipher failure returns ErrDecryption; a checksum mismatch returns
// ErrIntegrity and no plaintext. Both are non-fatal to the pipeline: the
// caller drops the specific message.
func Decrypt(sealed *SealedPayload, key [32]byte) ([]byte, error) {
	if sealed == nil || len(sealed.Ciphertext) == 0 {
		return nil, ErrDecryption
	}

	plaintext, ok := secretbox.Open(nil, sealed.Ciphertext, (*[24]byte)(&sealed.Nonce), (*[32]byte)(&key))
	if !ok {
		return nil, ErrDecryption
	}

	digest := sha256.Sum256(plaintext)
	if subtle.ConstantTimeCompare(digest[:], sealed.Checksum[:]) != 1 {
		ZeroBytes(plaintext)
		return nil, ErrIntegrity
	}

	return plaintext, nil
}

// WrapOpaque frames data that is already encrypted elsewhere (a Noise
// handshake message) as a SealedPayload. The checksum covers the opaque
// bytes so transport corruption is still detected before they reach the
// handshake machinery.
func WrapOpaque(data []byte) (*SealedPayload, error) {
	if len(data) == 0 {
		return nil, errors.New("empty opaque payload")
	}
	if len(data) > MaxPayloadSize {
		return nil, errors.New("payload too large")
	}
	return &SealedPayload{
		Checksum:   sha256.Sum256(data),
		Ciphertext: data,
	}, nil
}

// OpenOpaque verifies the checksum of an opaque payload and returns the
// framed bytes. A mismatch returns ErrIntegrity.
func OpenOpaque(sealed *SealedPayload) ([]byte, error) {
	if sealed == nil || len(sealed.Ciphertext) == 0 {
		return nil, ErrDecryption
	}

	digest := sha256.Sum256(sealed.Ciphertext)
	if subtle.ConstantTimeCompare(digest[:], sealed.Checksum[:]) != 1 {
		return nil, ErrIntegrity
	}

	return sealed.Ciphertext, nil
}
