// ABOUTME: Seals agent credentials at rest with NaCl secretbox
// ABOUTME: The box key is derived from the configured credential key with HKDF-SHA256

package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
	hkdfInfo  = "chopsticks-fleet credential seal v1"
)

// ErrOpen is returned when a sealed value cannot be decrypted. It never
// includes the ciphertext or the key.
var ErrOpen = errors.New("cannot open sealed credential")

// Sealer encrypts and decrypts credentials. The zero value is not usable.
type Sealer struct {
	key [keySize]byte
}

// NewSealer derives a box key from keyMaterial. keyMaterial must be at least
// 16 bytes.
func NewSealer(keyMaterial string) (*Sealer, error) {
	if len(keyMaterial) < 16 {
		return nil, errors.New("credential key must be at least 16 bytes")
	}
	s := &Sealer{}
	r := hkdf.New(sha256.New, []byte(keyMaterial), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, s.key[:]); err != nil {
		return nil, fmt.Errorf("deriving credential key: %w", err)
	}
	return s, nil
}

// Seal encrypts plaintext. Output is nonce || box.
func (s *Sealer) Seal(plaintext string) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed []byte) (string, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return "", ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrOpen
	}
	return string(out), nil
}
