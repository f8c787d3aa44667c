// Package vault seals and opens per-installation API keys with a
// process-wide symmetric key. The plaintext key exists only for the
// duration of a single review run; only ciphertext touches the database.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/joescharf/critic/internal/models"
)

// KeySize is the required size of the process encryption key in bytes.
const KeySize = chacha20poly1305.KeySize

var (
	// ErrNotConfigured indicates the installation has no stored API key.
	ErrNotConfigured = errors.New("no API key configured for installation")

	// ErrDecryptionFailed indicates the stored ciphertext could not be
	// opened: corrupt data or a rotated process key.
	ErrDecryptionFailed = errors.New("API key decryption failed")
)

// Vault encrypts and decrypts installation API keys using
// XChaCha20-Poly1305. The sealed format is nonce || ciphertext+tag.
type Vault struct {
	key []byte
}

// New creates a vault from a 32-byte symmetric key.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Vault{key: k}, nil
}

// ParseKey decodes a configured key string. Accepts hex and standard
// base64; as a fallback a passphrase of any length is hashed with
// SHA-256 to produce the 32-byte key.
func ParseKey(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("encryption key is empty")
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	sum := sha256.Sum256([]byte(s))
	return sum[:], nil
}

// Encrypt seals a plaintext API key for storage.
func (v *Vault) Encrypt(plaintext string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a sealed API key. Returns ErrDecryptionFailed for any
// malformed or tampered ciphertext; the underlying cause is never
// surfaced to avoid leaking key material details.
func (v *Vault) Decrypt(sealed []byte) (string, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", ErrDecryptionFailed
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	nonce := sealed[:chacha20poly1305.NonceSizeX]
	ciphertext := sealed[chacha20poly1305.NonceSizeX:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// Resolve returns the decrypted API key for an installation. The caller
// must scope the returned key to the current run and not retain it.
func (v *Vault) Resolve(inst *models.Installation) (string, error) {
	if inst == nil || len(inst.EncryptedAPIKey) == 0 {
		return "", ErrNotConfigured
	}
	return v.Decrypt(inst.EncryptedAPIKey)
}
