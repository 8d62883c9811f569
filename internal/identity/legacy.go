package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"

	"aithena-chat/client-core/internal/keycodec"
	"aithena-chat/client-core/internal/securestore"
)

const legacyRSABits = 2048

// GenerateLegacyRSA creates a 2048-bit RSA keypair in the pre-seed scheme.
// Kept for interop tests and for peers that still run the old protocol; new
// identities are always seed-based.
func GenerateLegacyRSA() (*LegacyRSAIdentity, error) {
	priv, err := rsa.GenerateKey(rand.Reader, legacyRSABits)
	if err != nil {
		return nil, fmt.Errorf("identity: generate legacy rsa: %w", err)
	}
	privPEM, err := keycodec.EncodePrivateKeyPEM(priv)
	if err != nil {
		return nil, err
	}
	pubPEM, err := keycodec.EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &LegacyRSAIdentity{PrivateKey: priv, PrivatePEM: privPEM, PublicPEM: pubPEM}, nil
}

// StoreLegacyRSA persists a legacy identity under the legacy PEM keys.
func StoreLegacyRSA(store *securestore.Store, legacy *LegacyRSAIdentity) error {
	if err := store.Set(StorageKeyLegacyPrivPEM, []byte(legacy.PrivatePEM)); err != nil {
		return err
	}
	return store.Set(StorageKeyLegacyPubPEM, []byte(legacy.PublicPEM))
}

// DetectMaterial reports which key scheme is persisted. A valid seed wins
// over legacy PEMs; nil means a first run with nothing stored.
func DetectMaterial(store *securestore.Store) (Material, error) {
	raw, err := store.Get(StorageKeySeedHex)
	if err == nil {
		if seed, decErr := hex.DecodeString(string(raw)); decErr == nil && len(seed) == SeedSize {
			return SeedIdentity{Seed: seed}, nil
		}
	} else if !errors.Is(err, securestore.ErrNotFound) {
		return nil, err
	}

	privRaw, err := store.Get(StorageKeyLegacyPrivPEM)
	if errors.Is(err, securestore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	priv, err := keycodec.DecodePrivateKeyPEM(string(privRaw))
	if err != nil {
		return nil, err
	}
	pubPEM := ""
	if raw, err := store.Get(StorageKeyLegacyPubPEM); err == nil {
		pubPEM = string(raw)
	}
	return LegacyRSAIdentity{
		PrivateKey: priv,
		PrivatePEM: string(privRaw),
		PublicPEM:  pubPEM,
	}, nil
}

// MigrateLegacy upgrades a legacy-RSA-only installation to the seed scheme:
// a fresh seed identity is created and the legacy PEM entries are removed.
// Reports whether a migration actually ran.
func (m *Manager) MigrateLegacy(ctx context.Context) (bool, error) {
	material, err := DetectMaterial(m.store)
	if err != nil {
		return false, fmt.Errorf("identity: detect stored material: %w", err)
	}
	switch material.(type) {
	case SeedIdentity, nil:
		return false, nil
	case LegacyRSAIdentity:
	default:
		return false, fmt.Errorf("identity: unknown stored material %T", material)
	}

	if err := m.Init(ctx); err != nil {
		return false, err
	}
	if err := m.store.Delete(StorageKeyLegacyPrivPEM); err != nil {
		return false, fmt.Errorf("identity: remove legacy private pem: %w", err)
	}
	if err := m.store.Delete(StorageKeyLegacyPubPEM); err != nil {
		return false, fmt.Errorf("identity: remove legacy public pem: %w", err)
	}
	m.log.Info("migrated legacy rsa identity to seed scheme")
	return true, nil
}
