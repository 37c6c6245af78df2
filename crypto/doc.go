// Package crypto implements the payload cryptography for the key exchange
// protocol.
//
// This package handles authenticated symmetric encryption of handshake
// payloads with an independent SHA-256 plaintext checksum, Curve25519 key
// agreement combined with an ML-KEM-768 encapsulation into a hybrid per-peer
// session key, routing-scoped keys for pre-handshake envelopes, and the
// Noise-IK leg used to deliver exchange responses.
//
// Example:
//
//	sealed, err := crypto.Encrypt(plaintext, key)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	recovered, err := crypto.Decrypt(sealed, key)
package crypto
