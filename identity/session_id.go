package identity

import (
	"crypto/sha256"
	"encoding/hex"
)

// SessionIDLength is the fixed length of a session ID string: the SHA-256
// digest of the public key (64 hex chars) followed by a 2-byte XOR checksum
// (4 hex chars).
const SessionIDLength = 68

// DeriveSessionID computes the opaque routing identifier for a public key.
// The derivation is deterministic: the same key always yields the same ID.
func DeriveSessionID(publicKey [32]byte) string {
	digest := sha256.Sum256(publicKey[:])
	checksum := sessionChecksum(digest)

	out := make([]byte, 0, 34)
	out = append(out, digest[:]...)
	out = append(out, checksum[:]...)
	return hex.EncodeToString(out)
}

// ValidateSessionID reports whether s is a well-formed session ID: fixed
// length, lowercase hex charset, and a matching embedded checksum. It is
// used to reject malformed routing targets before any network call.
func ValidateSessionID(s string) bool {
	if len(s) != SessionIDLength {
		return false
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return false
	}
	// hex.DecodeString accepts uppercase; the canonical form is lowercase.
	if hex.EncodeToString(raw) != s {
		return false
	}

	var digest [32]byte
	copy(digest[:], raw[:32])
	expected := sessionChecksum(digest)

	return raw[32] == expected[0] && raw[33] == expected[1]
}

// sessionChecksum XOR-folds the digest into two bytes.
func sessionChecksum(digest [32]byte) [2]byte {
	var checksum [2]byte
	for i := 0; i < len(digest); i++ {
		checksum[i%2] ^= digest[i]
	}
	return checksum
}
