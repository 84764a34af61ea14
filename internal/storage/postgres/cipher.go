package postgres

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// SecretCipher encrypts credential secrets at rest. Ciphertexts carry their
// random nonce as a prefix, so each column is self-contained.
type SecretCipher struct {
	aead cipher.AEAD
}

// NewSecretCipher builds a cipher from a 32-byte key.
func NewSecretCipher(key []byte) (*SecretCipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("building secret cipher: %w", err)
	}
	return &SecretCipher{aead: aead}, nil
}

// Seal encrypts plaintext, binding it to the restaurant id so a ciphertext
// cannot be replayed into another restaurant's row.
func (c *SecretCipher) Seal(restaurantID string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, []byte(restaurantID)), nil
}

// Open decrypts a ciphertext produced by Seal for the same restaurant id.
func (c *SecretCipher) Open(restaurantID string, ciphertext []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	plaintext, err := c.aead.Open(nil, ciphertext[:n], ciphertext[n:], []byte(restaurantID))
	if err != nil {
		return nil, fmt.Errorf("opening secret: %w", err)
	}
	return plaintext, nil
}
