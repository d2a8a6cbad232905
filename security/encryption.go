package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// KeySize is the length of grant encryption keys (AES-256).
const KeySize = 32

// Encryptor encrypts persisted grant payloads at rest using AES-256-GCM.
// The grant key is used as additional authenticated data so a ciphertext
// cannot be moved onto another grant row.
type Encryptor struct {
	aead    cipher.AEAD
	enabled bool
}

// NewEncryptor returns an encryptor for key. An empty key disables
// encryption: Seal and Open then pass payloads through unchanged.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{enabled: false}, nil
	}

	if len(key) != KeySize {
		return nil, fmt.Errorf("grant encryption key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant cipher: %w", err)
	}
	return &Encryptor{aead: aead, enabled: true}, nil
}

// Seal encrypts plaintext bound to associated data. The output is
// [nonce][ciphertext], base64 encoded.
func (e *Encryptor) Seal(plaintext []byte, associated string) (string, error) {
	if e == nil || !e.enabled {
		return string(plaintext), nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plaintext, []byte(associated))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. The same associated data must be supplied.
func (e *Encryptor) Open(encoded, associated string) ([]byte, error) {
	if e == nil || !e.enabled {
		return []byte(encoded), nil
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("grant payload is not base64: %w", err)
	}
	n := e.aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("grant payload too short")
	}
	plaintext, err := e.aead.Open(nil, sealed[:n], sealed[n:], []byte(associated))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt grant payload: %w", err)
	}
	return plaintext, nil
}

// IsEnabled reports whether payloads are encrypted. Safe on nil.
func (e *Encryptor) IsEnabled() bool {
	return e != nil && e.enabled
}

// GenerateKey returns a random grant encryption key. Encode it with
// base64.StdEncoding for security.encryptionKey.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a standard base64 grant encryption key.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not base64: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}
