// Package secrets seals short secrets (TOTP shared secrets) for storage at
// rest using AES-256-GCM. Every Seal call draws a fresh random nonce and
// prepends it to the ciphertext, so identical plaintexts never produce
// identical stored values.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required key length in bytes (AES-256).
const KeySize = 32

var (
	// ErrInvalidKey indicates a key of the wrong length.
	ErrInvalidKey = errors.New("secrets: key must be 32 bytes")
	// ErrCiphertextMalformed indicates a stored value too short to contain a
	// nonce, or not valid base64.
	ErrCiphertextMalformed = errors.New("secrets: ciphertext malformed")
	// ErrDecryptFailed indicates authentication failed under every known key.
	ErrDecryptFailed = errors.New("secrets: decryption failed")
)

// Sealer encrypts and decrypts secrets with a primary key and any number of
// previous keys kept for rotation. Seal always uses the primary key; Open
// tries the primary first, then the previous keys in order.
type Sealer struct {
	primary  cipher.AEAD
	previous []cipher.AEAD
}

// NewSealer builds a Sealer from raw 32-byte keys.
func NewSealer(primary []byte, previous ...[]byte) (*Sealer, error) {
	aead, err := newAEAD(primary)
	if err != nil {
		return nil, err
	}

	s := &Sealer{primary: aead}
	for i, key := range previous {
		prev, err := newAEAD(key)
		if err != nil {
			return nil, fmt.Errorf("previous key %d: %w", i, err)
		}
		s.previous = append(s.previous, prev)
	}
	return s, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: cipher init: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.primary.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce generation: %w", err)
	}

	sealed := s.primary.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal, trying previous keys if the
// primary fails authentication.
func (s *Sealer) Open(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrCiphertextMalformed
	}

	nonceSize := s.primary.NonceSize()
	if len(raw) < nonceSize {
		return nil, ErrCiphertextMalformed
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]

	if plaintext, err := s.primary.Open(nil, nonce, ciphertext, nil); err == nil {
		return plaintext, nil
	}
	for _, prev := range s.previous {
		if plaintext, err := prev.Open(nil, nonce, ciphertext, nil); err == nil {
			return plaintext, nil
		}
	}
	return nil, ErrDecryptFailed
}

// RandomKey generates a fresh 32-byte key.
func RandomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("secrets: key generation: %w", err)
	}
	return key, nil
}
