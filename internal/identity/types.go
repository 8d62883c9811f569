package identity

import (
	"crypto/ed25519"
	"crypto/rsa"
)

// SeedSize is the length of the root identity secret.
const SeedSize = 32

// Storage keys used under securestore. The PEM entries belong to the legacy
// RSA scheme and survive only until migration cleans them up.
const (
	StorageKeySeedHex       = "device_identity_seed_hex"
	StorageKeyLegacyPrivPEM = "device_private_key_pem"
	StorageKeyLegacyPubPEM  = "device_public_key_pem"
)

// DerivedKeys is the key material deterministically derived from one seed.
type DerivedKeys struct {
	SigningPrivateKey ed25519.PrivateKey
	SigningPublicKey  ed25519.PublicKey
}

// Material is the tagged union of the key schemes that coexist in stored
// history. Callers switch on the concrete type instead of null-checking
// parallel fields.
type Material interface {
	isMaterial()
}

// SeedIdentity is the current scheme: everything derives from a 32-byte seed.
type SeedIdentity struct {
	Seed []byte
}

// LegacyRSAIdentity is the pre-seed scheme: an independently generated
// RSA-2048 keypair persisted as PEM. Present only during a migration window.
type LegacyRSAIdentity struct {
	PrivateKey *rsa.PrivateKey
	PublicPEM  string
	PrivatePEM string
}

func (SeedIdentity) isMaterial()      {}
func (LegacyRSAIdentity) isMaterial() {}
