package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// ErrInvalidMnemonic reports a phrase that fails the wordlist or checksum
// check. The user must re-enter it; retrying the same input cannot help.
var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// MnemonicFromSeed encodes the 32-byte seed as a 24-word BIP-39 phrase. The
// seed is the entropy, so the mapping round-trips exactly.
func MnemonicFromSeed(seed []byte) (string, error) {
	if len(seed) != SeedSize {
		return "", fmt.Errorf("identity: seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	mnemonic, err := bip39.NewMnemonic(append([]byte(nil), seed...))
	if err != nil {
		return "", fmt.Errorf("identity: encode mnemonic: %w", err)
	}
	return mnemonic, nil
}

// SeedFromMnemonic decodes a phrase back into the original 32-byte seed.
func SeedFromMnemonic(phrase string) ([]byte, error) {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return nil, ErrInvalidMnemonic
	}
	entropy, err := bip39.EntropyFromMnemonic(phrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}
	if len(entropy) != SeedSize {
		return nil, fmt.Errorf("%w: phrase encodes %d bytes, want %d", ErrInvalidMnemonic, len(entropy), SeedSize)
	}
	return entropy, nil
}
