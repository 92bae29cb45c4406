package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// envelopePrefix marks values that have been encrypted by this package.
// Plaintext values (degraded mode, no master key configured) carry no prefix.
const envelopePrefix = "enc:"

// Sealer encrypts and decrypts stored secret values with AES-256-GCM.
// A nil Sealer (no encryption key configured) passes values through as-is.
type Sealer struct {
	key []byte // 32 bytes for AES-256
}

// New creates a Sealer from the configured master key. The key is hashed
// with SHA-256 to derive the 32-byte AES key. An empty master key returns
// a nil Sealer, which stores values unencrypted.
func New(masterKey string) *Sealer {
	if masterKey == "" {
		return nil
	}
	hash := sha256.Sum256([]byte(masterKey))
	return &Sealer{key: hash[:]}
}

// Seal encrypts plaintext and returns an "enc:" prefixed base64 envelope.
// A nil Sealer returns the plaintext unchanged.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if s == nil {
		return plaintext, nil
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Nonce is prepended to the ciphertext
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return envelopePrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal. Values without the envelope
// prefix are returned unchanged, so data written in degraded mode stays
// readable after a key is configured.
func (s *Sealer) Open(value string) (string, error) {
	if !strings.HasPrefix(value, envelopePrefix) {
		return value, nil
	}
	if s == nil {
		return "", fmt.Errorf("encrypted value present but no encryption key configured")
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, envelopePrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode envelope: %w", err)
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("envelope too short")
	}

	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}
