// Package crypto seals cached chat data at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/scrypt"
)

// SaltSize is the length of the random salt kept next to sealed data.
const SaltSize = 16

var ErrShortPayload = errors.New("sealed payload too short")

// Box seals records with AES-GCM. A nil *Box passes data through unchanged.
type Box struct {
	aead cipher.AEAD
}

// NewSalt returns a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// NewBox derives a key from secret and salt with scrypt. An empty secret
// yields a nil box.
func NewBox(secret string, salt []byte) (*Box, error) {
	if secret == "" {
		return nil, nil
	}
	if len(salt) == 0 {
		return nil, errors.New("missing salt")
	}
	key, err := scrypt.Key([]byte(secret), salt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

// Seal returns nonce||ciphertext. aad binds the record to its key, so a
// sealed value copied under another key fails to open.
func (b *Box) Seal(plaintext, aad []byte) ([]byte, error) {
	if b == nil {
		return plaintext, nil
	}
	nonce := make([]byte, b.aead.NonceSize(), b.aead.NonceSize()+len(plaintext)+b.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return b.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal.
func (b *Box) Open(sealed, aad []byte) ([]byte, error) {
	if b == nil {
		return sealed, nil
	}
	n := b.aead.NonceSize()
	if len(sealed) < n+b.aead.Overhead() {
		return nil, ErrShortPayload
	}
	return b.aead.Open(nil, sealed[:n], sealed[n:], aad)
}
