// Package keyagree derives per-peer shared secrets from the same Ed25519
// identity that signs. The signing key is mapped to the X25519 curve with the
// standard birational map (RFC 7748 section 4.1): the private scalar is the
// RFC 8032 secret-scalar derivation (SHA-512 of the seed, clamped), the
// public point is the Edwards-to-Montgomery conversion from
// filippo.io/edwards25519. Both ends of a conversation can therefore compute
// the same secret from one 32-byte backup artifact each.
package keyagree

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const sessionInfo = "aithena/agree/session/v1"

var (
	ErrInvalidPrivateKey = errors.New("keyagree: invalid local private key")
	ErrInvalidPublicKey  = errors.New("keyagree: invalid remote public key")
)

// AgreementPrivateKey converts an Ed25519 private key into the X25519 scalar
// that corresponds to its public point: SHA-512 of the seed, first 32 bytes,
// clamped per RFC 7748.
func AgreementPrivateKey(priv ed25519.PrivateKey) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}
	digest := sha512.Sum512(priv.Seed())
	scalar := make([]byte, curve25519.ScalarSize)
	copy(scalar, digest[:32])
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return scalar, nil
}

// AgreementPublicKey converts an Ed25519 public key to its Montgomery form.
func AgreementPublicKey(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	var point edwards25519.Point
	if _, err := point.SetBytes(pub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return point.BytesMontgomery(), nil
}

// SharedSecret runs X25519 between the local identity and a remote signing
// public key, then expands the raw point through HKDF-SHA256 into a 32-byte
// session secret. Deterministic: the same two identities always produce the
// same secret, and either side can compute it.
func SharedSecret(local ed25519.PrivateKey, remote ed25519.PublicKey) ([]byte, error) {
	scalar, err := AgreementPrivateKey(local)
	if err != nil {
		return nil, err
	}
	remoteU, err := AgreementPublicKey(remote)
	if err != nil {
		return nil, err
	}
	raw, err := curve25519.X25519(scalar, remoteU)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if allZero(raw) {
		return nil, ErrInvalidPublicKey
	}

	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, nil, []byte(sessionInfo)), out); err != nil {
		return nil, err
	}
	return out, nil
}

func allZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
