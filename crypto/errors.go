package crypto

import "errors"

var (
	// ErrDecryption indicates the cipher failed to open a payload. The
	// payload is discarded; the caller logs and drops the message.
	ErrDecryption = errors.New("decryption failed")

	// ErrIntegrity indicates the plaintext checksum did not match after a
	// successful decryption. The payload is never partially trusted.
	ErrIntegrity = errors.New("integrity check failed: checksum mismatch")
)
