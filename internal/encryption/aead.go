// Package encryption seals file payloads with XChaCha20-Poly1305, either as
// one message or as a stream of independently authenticated chunks.
package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSizeX
	MACSize   = chacha20poly1305.Overhead
)

// ErrAuthentication is returned whenever a ciphertext does not verify.
var ErrAuthentication = errors.New("encryption: message authentication failed")

// Sealed is the output of Seal: the ciphertext with its nonce and tag kept
// apart.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	MAC        []byte
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption: key must be %d bytes, got %d", KeySize, len(key))
	}
	return chacha20poly1305.NewX(key)
}

func randomNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("encryption: reading nonce: %w", err)
	}
	return nonce, nil
}

// Seal encrypts plaintext under key with a fresh random nonce.
func Seal(key, plaintext []byte) (Sealed, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return Sealed{}, err
	}
	nonce, err := randomNonce()
	if err != nil {
		return Sealed{}, err
	}

	out := aead.Seal(nil, nonce, plaintext, nil)
	split := len(out) - MACSize
	return Sealed{
		Ciphertext: out[:split:split],
		Nonce:      nonce,
		MAC:        out[split:],
	}, nil
}

// Open verifies and decrypts s. Any tampering yields ErrAuthentication.
func Open(key []byte, s Sealed) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(s.Nonce) != NonceSize || len(s.MAC) != MACSize {
		return nil, fmt.Errorf("%w: bad nonce or mac length", ErrAuthentication)
	}

	combined := make([]byte, 0, len(s.Ciphertext)+MACSize)
	combined = append(combined, s.Ciphertext...)
	combined = append(combined, s.MAC...)
	plaintext, err := aead.Open(nil, s.Nonce, combined, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}
