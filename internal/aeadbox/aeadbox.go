// Package aeadbox performs the authenticated symmetric encryption of message
// payloads: AES-256-GCM with a fresh random 96-bit nonce per call and the
// authentication tag kept detached so every wire field has an explicit
// length.
package aeadbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"aithena-chat/client-core/internal/platform/metrics"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16

	// ServerNonceSize is the IV length the backend draws for envelopes it
	// encrypts toward clients. Seal always uses NonceSize; Open takes both.
	ServerNonceSize = 16
)

var (
	// ErrAuthenticationFailed reports a tag mismatch on open. The ciphertext
	// is undecryptable with this key; retrying the same input cannot succeed.
	ErrAuthenticationFailed = errors.New("aeadbox authentication failed")

	ErrInvalidKey = errors.New("aeadbox key must be 32 bytes")
)

// Box is one sealed message: ciphertext, the nonce it was sealed under, and
// the detached authentication tag.
type Box struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

// Seal encrypts plaintext under key, drawing a fresh nonce. A nonce is never
// reused with the same key.
func Seal(plaintext, key []byte) (Box, error) {
	aead, err := newGCM(key)
	if err != nil {
		return Box{}, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Box{}, fmt.Errorf("aeadbox: draw nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)

	metrics.MessageEncryptOps.Inc()
	return Box{
		Ciphertext: sealed[:len(sealed)-TagSize],
		Nonce:      nonce,
		Tag:        sealed[len(sealed)-TagSize:],
	}, nil
}

// Open authenticates and decrypts a box. Any tamper of ciphertext, nonce, or
// tag fails closed with ErrAuthenticationFailed; no partial plaintext is ever
// returned.
func Open(box Box, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	if (len(box.Nonce) != NonceSize && len(box.Nonce) != ServerNonceSize) || len(box.Tag) != TagSize {
		metrics.AuthFailures.Inc()
		return nil, ErrAuthenticationFailed
	}
	aead, err := newGCMWithNonceSize(key, len(box.Nonce))
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(box.Ciphertext)+TagSize)
	sealed = append(sealed, box.Ciphertext...)
	sealed = append(sealed, box.Tag...)

	plaintext, err := aead.Open(nil, box.Nonce, sealed, nil)
	if err != nil {
		metrics.AuthFailures.Inc()
		return nil, ErrAuthenticationFailed
	}
	metrics.MessageDecryptOps.Inc()
	return plaintext, nil
}

// JoinLegacy renders the nonce‖ciphertext‖tag concatenation the first
// protocol generation put on the wire.
func JoinLegacy(box Box) []byte {
	out := make([]byte, 0, len(box.Nonce)+len(box.Ciphertext)+len(box.Tag))
	out = append(out, box.Nonce...)
	out = append(out, box.Ciphertext...)
	out = append(out, box.Tag...)
	return out
}

// SplitLegacy slices a legacy concatenation back into a Box.
func SplitLegacy(combined []byte) (Box, error) {
	if len(combined) < NonceSize+TagSize {
		return Box{}, ErrAuthenticationFailed
	}
	return Box{
		Nonce:      append([]byte(nil), combined[:NonceSize]...),
		Ciphertext: append([]byte(nil), combined[NonceSize:len(combined)-TagSize]...),
		Tag:        append([]byte(nil), combined[len(combined)-TagSize:]...),
	}, nil
}

// GenerateKey draws a fresh random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("aeadbox: generate key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	return newGCMWithNonceSize(key, NonceSize)
}

func newGCMWithNonceSize(key []byte, nonceSize int) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}
