// Package secrets seals and opens social access tokens with NaCl secretbox.
// Ciphertext layout: 24-byte random nonce followed by the sealed payload.
package secrets

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrDecrypt covers every way opening a sealed token can fail: wrong key,
// truncated ciphertext, tampering. Callers cannot distinguish, on purpose.
var ErrDecrypt = errors.New("token decryption failed")

// Box encrypts and decrypts tokens under one symmetric key.
type Box struct {
	key [32]byte
}

// NewBox creates a Box from a 32-byte key.
func NewBox(key [32]byte) *Box {
	return &Box{key: key}
}

// Seal encrypts plaintext and returns nonce-prefixed ciphertext.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &b.key), nil
}

// Open decrypts nonce-prefixed ciphertext produced by Seal.
func (b *Box) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+secretbox.Overhead {
		return nil, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
