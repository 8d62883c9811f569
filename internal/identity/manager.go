// Package identity owns the long-term identity key lifecycle: the 32-byte
// seed, the signing keypair derived from it, mnemonic backup, and migration
// away from the legacy RSA scheme.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"aithena-chat/client-core/internal/platform/metrics"
	"aithena-chat/client-core/internal/securestore"
)

// ErrKeysUnavailable reports that an operation needed the identity but
// initialization failed even after a retry.
var ErrKeysUnavailable = errors.New("identity keys unavailable")

type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateDegraded
)

// Manager is the process-wide identity service. Construct once, inject
// everywhere; all methods are safe for concurrent use.
type Manager struct {
	store   *securestore.Store
	log     *slog.Logger
	entropy io.Reader

	initGroup singleflight.Group

	mu         sync.RWMutex
	state      State
	seed       []byte
	keys       *DerivedKeys
	generated  bool
	resetHooks []func()
}

func NewManager(store *securestore.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, log: log, entropy: rand.Reader}
}

// OnIdentityReplaced registers a hook run whenever the seed is replaced by an
// import. The conversation-key cache registers here: keys derived under the
// old identity must never be reused.
func (m *Manager) OnIdentityReplaced(hook func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetHooks = append(m.resetHooks, hook)
}

// Init loads the stored seed or generates a fresh one, then derives the
// signing keypair. Concurrent callers collapse into a single in-flight
// attempt so two racing inits can never write different seeds.
func (m *Manager) Init(ctx context.Context) error {
	_, err, _ := m.initGroup.Do("init", func() (any, error) {
		return nil, m.doInit(ctx)
	})
	return err
}

func (m *Manager) doInit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateInitialized {
		return nil
	}

	seed, loaded := m.loadStoredSeed()
	generated := false
	if !loaded {
		seed = make([]byte, SeedSize)
		if _, err := io.ReadFull(m.entropy, seed); err != nil {
			m.state = StateDegraded
			metrics.IdentityInits.WithLabelValues("failed").Inc()
			return fmt.Errorf("identity: generate seed: %w", err)
		}
		generated = true
	}

	keys, err := DeriveKeys(seed)
	if err != nil {
		m.state = StateDegraded
		metrics.IdentityInits.WithLabelValues("failed").Inc()
		return fmt.Errorf("identity: derive keys: %w", err)
	}

	if generated {
		if err := m.store.Set(StorageKeySeedHex, []byte(hex.EncodeToString(seed))); err != nil {
			m.state = StateDegraded
			metrics.IdentityInits.WithLabelValues("failed").Inc()
			return fmt.Errorf("identity: persist seed: %w", err)
		}
	}

	m.seed = seed
	m.keys = keys
	m.generated = generated
	m.state = StateInitialized
	if generated {
		metrics.IdentityInits.WithLabelValues("generated").Inc()
		m.log.Info("generated fresh identity seed", "ephemeral", m.store.Degraded())
	} else {
		metrics.IdentityInits.WithLabelValues("loaded").Inc()
	}
	return nil
}

// loadStoredSeed returns the persisted seed when it is well-formed. Malformed
// legacy data is discarded, never a fatal condition during init.
func (m *Manager) loadStoredSeed() ([]byte, bool) {
	raw, err := m.store.Get(StorageKeySeedHex)
	if err != nil {
		if !errors.Is(err, securestore.ErrNotFound) {
			m.log.Warn("stored seed unreadable, regenerating", "error", err.Error())
		}
		return nil, false
	}
	seed, err := hex.DecodeString(string(raw))
	if err != nil || len(seed) != SeedSize {
		m.log.Warn("stored seed malformed, regenerating", "length", len(raw))
		return nil, false
	}
	return seed, true
}

// ImportSeed destructively replaces the identity with the given seed,
// re-derives the keypair and fires the replacement hooks.
func (m *Manager) ImportSeed(ctx context.Context, seed []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(seed) != SeedSize {
		return fmt.Errorf("identity: seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	keys, err := DeriveKeys(seed)
	if err != nil {
		return fmt.Errorf("identity: derive keys: %w", err)
	}
	if err := m.store.Set(StorageKeySeedHex, []byte(hex.EncodeToString(seed))); err != nil {
		return fmt.Errorf("identity: persist seed: %w", err)
	}

	m.mu.Lock()
	m.seed = append([]byte(nil), seed...)
	m.keys = keys
	m.generated = false
	m.state = StateInitialized
	hooks := append([]func(){}, m.resetHooks...)
	m.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
	m.log.Info("identity replaced by imported seed")
	return nil
}

// ImportMnemonic decodes a backup phrase and imports the seed it encodes.
func (m *Manager) ImportMnemonic(ctx context.Context, phrase string) error {
	seed, err := SeedFromMnemonic(phrase)
	if err != nil {
		return err
	}
	return m.ImportSeed(ctx, seed)
}

// Mnemonic returns the 24-word backup phrase for the current seed.
func (m *Manager) Mnemonic(ctx context.Context) (string, error) {
	if err := m.ensureReady(ctx); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MnemonicFromSeed(m.seed)
}

// Sign signs data with the current identity, lazily initializing if needed.
func (m *Manager) Sign(ctx context.Context, data []byte) ([]byte, error) {
	if err := m.ensureReady(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ed25519.Sign(m.keys.SigningPrivateKey, data), nil
}

// Keys returns a copy of the derived keypair for key agreement.
func (m *Manager) Keys(ctx context.Context) (*DerivedKeys, error) {
	if err := m.ensureReady(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &DerivedKeys{
		SigningPrivateKey: append(ed25519.PrivateKey(nil), m.keys.SigningPrivateKey...),
		SigningPublicKey:  append(ed25519.PublicKey(nil), m.keys.SigningPublicKey...),
	}, nil
}

// PublicKeyBase64 renders the signing public key for upload or display.
func (m *Manager) PublicKeyBase64(ctx context.Context) (string, error) {
	keys, err := m.Keys(ctx)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(keys.SigningPublicKey), nil
}

// Fingerprint returns the short human-readable identity id.
func (m *Manager) Fingerprint(ctx context.Context) (string, error) {
	keys, err := m.Keys(ctx)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(keys.SigningPublicKey)
	return "ath1" + base58.Encode(sum[:]), nil
}

// GeneratedThisSession reports whether Init had to create a fresh seed.
func (m *Manager) GeneratedThisSession() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generated
}

// ConsumeGeneratedFlag returns the generated flag and clears it. The auth
// layer reads it exactly once to decide whether a public-key upload is due.
func (m *Manager) ConsumeGeneratedFlag() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.generated
	m.generated = false
	return v
}

// EphemeralMode reports that secure storage degraded and the identity will
// not survive a restart. Callers should warn the user.
func (m *Manager) EphemeralMode() bool {
	return m.store.Degraded()
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ensureReady retries initialization once for callers that arrive before
// Init, or after a failed one, then fails fast.
func (m *Manager) ensureReady(ctx context.Context) error {
	m.mu.RLock()
	ready := m.state == StateInitialized
	m.mu.RUnlock()
	if ready {
		return nil
	}
	if err := m.Init(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}
	return nil
}
