package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// VaultVersion is the sealed-blob format version.
	VaultVersion = 1
	// VaultSaltSize is the size of the per-directory PBKDF2 salt.
	VaultSaltSize = 32
	// VaultIterations is the PBKDF2 iteration count.
	VaultIterations = 100000

	vaultSaltFile = ".salt"
	gcmNonceSize  = 12
	gcmTagSize    = 16
)

// KeyVault seals and opens private key material for storage at rest. The
// sealing key is derived from a passphrase with PBKDF2-SHA256 over a random
// per-directory salt kept alongside the data; the same passphrase over the
// same directory yields the same key across restarts.
type KeyVault struct {
	key [32]byte
}

// OpenKeyVault derives a sealing key for dir from passphrase, creating dir
// and its salt file on first use. The passphrase must be non-empty.
func OpenKeyVault(dir string, passphrase []byte) (*KeyVault, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("vault passphrase cannot be empty")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}

	salt, err := loadOrGenerateSalt(filepath.Join(dir, vaultSaltFile))
	if err != nil {
		return nil, err
	}

	derived := pbkdf2.Key(passphrase, salt, VaultIterations, 32, sha256.New)

	v := &KeyVault{}
	copy(v.key[:], derived)
	ZeroBytes(derived)

	return v, nil
}

// Seal encrypts plaintext into a self-describing blob:
// [version:2][nonce:12][ciphertext+tag].
func (v *KeyVault) Seal(plaintext []byte) ([]byte, error) {
	gcm, err := v.newGCM()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	blob := make([]byte, 2, 2+gcmNonceSize+len(plaintext)+gcmTagSize)
	binary.BigEndian.PutUint16(blob, VaultVersion)
	blob = append(blob, nonce...)
	return gcm.Seal(blob, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal. A wrong passphrase or a tampered
// blob fails authentication.
func (v *KeyVault) Open(blob []byte) ([]byte, error) {
	if len(blob) < 2+gcmNonceSize+gcmTagSize {
		return nil, errors.New("sealed blob too short")
	}
	if version := binary.BigEndian.Uint16(blob); version != VaultVersion {
		return nil, fmt.Errorf("unsupported sealed blob version: %d", version)
	}

	gcm, err := v.newGCM()
	if err != nil {
		return nil, err
	}

	nonce := blob[2 : 2+gcmNonceSize]
	plaintext, err := gcm.Open(nil, nonce, blob[2+gcmNonceSize:], nil)
	if err != nil {
		return nil, errors.New("decryption failed (wrong passphrase or corrupted data)")
	}
	return plaintext, nil
}

// Wipe erases the derived sealing key. The vault is unusable afterwards.
func (v *KeyVault) Wipe() {
	ZeroBytes(v.key[:])
}

func (v *KeyVault) newGCM() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// loadOrGenerateSalt reads the salt file, generating and persisting a fresh
// salt on first use.
func loadOrGenerateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != VaultSaltSize {
			return nil, fmt.Errorf("invalid salt file size: %d", len(salt))
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt = make([]byte, VaultSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("failed to write salt file: %w", err)
	}
	return salt, nil
}
