package identity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"

	"aithena-chat/client-core/internal/securestore"
)

func newTestManager(t *testing.T) (*Manager, *securestore.Store) {
	t.Helper()
	store := securestore.NewStore(securestore.NewMemoryBackend(), nil)
	return NewManager(store, nil), store
}

type brokenEntropy struct{ failing bool }

func (r *brokenEntropy) Read(p []byte) (int, error) {
	if r.failing {
		return 0, errors.New("entropy source exhausted")
	}
	return rand.Read(p)
}

func TestInitFailureDegradesThenRecovers(t *testing.T) {
	m, _ := newTestManager(t)
	entropy := &brokenEntropy{failing: true}
	m.entropy = entropy
	ctx := context.Background()

	if err := m.Init(ctx); err == nil {
		t.Fatal("init must fail when seed generation fails")
	}
	if m.State() != StateDegraded {
		t.Fatalf("state = %v, want StateDegraded", m.State())
	}

	// Lazy callers retry Init once, then surface ErrKeysUnavailable.
	if _, err := m.Sign(ctx, []byte("msg")); !errors.Is(err, ErrKeysUnavailable) {
		t.Fatalf("expected ErrKeysUnavailable, got %v", err)
	}
	if m.State() != StateDegraded {
		t.Fatalf("state after failed retry = %v, want StateDegraded", m.State())
	}

	// Once entropy is back the next call's retry succeeds.
	entropy.failing = false
	if _, err := m.Sign(ctx, []byte("msg")); err != nil {
		t.Fatalf("sign after recovery failed: %v", err)
	}
	if m.State() != StateInitialized {
		t.Fatalf("state after recovery = %v, want StateInitialized", m.State())
	}
}

func TestInitCancelledContext(t *testing.T) {
	m, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Init(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// A fresh context initializes normally afterwards.
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("init after cancelled attempt failed: %v", err)
	}
}

func TestInitFirstRunGeneratesSeed(t *testing.T) {
	m, store := newTestManager(t)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if !m.GeneratedThisSession() {
		t.Fatal("first run must flag generated keys")
	}

	raw, err := store.Get(StorageKeySeedHex)
	if err != nil {
		t.Fatalf("seed not persisted: %v", err)
	}
	if len(raw) != SeedSize*2 {
		t.Fatalf("persisted seed must be %d hex chars, got %d", SeedSize*2, len(raw))
	}
	if _, err := hex.DecodeString(string(raw)); err != nil {
		t.Fatalf("persisted seed is not hex: %v", err)
	}

	keys, err := m.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	if len(keys.SigningPublicKey) != ed25519.PublicKeySize {
		t.Fatalf("unexpected public key size %d", len(keys.SigningPublicKey))
	}
}

func TestInitLoadsExistingSeed(t *testing.T) {
	m, store := newTestManager(t)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	first, _ := m.Keys(context.Background())

	// A second manager over the same store must derive the same identity.
	m2 := NewManager(store, nil)
	if err := m2.Init(context.Background()); err != nil {
		t.Fatalf("second init failed: %v", err)
	}
	if m2.GeneratedThisSession() {
		t.Fatal("loading an existing seed must not flag generated")
	}
	second, _ := m2.Keys(context.Background())
	if !bytes.Equal(first.SigningPublicKey, second.SigningPublicKey) {
		t.Fatal("same seed must derive the same public key")
	}
}

func TestInitDiscardsCorruptedSeed(t *testing.T) {
	m, store := newTestManager(t)
	// 30 hex chars: decodable but the wrong length.
	if err := store.Set(StorageKeySeedHex, []byte(strings.Repeat("ab", 15))); err != nil {
		t.Fatalf("seed store setup failed: %v", err)
	}
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("init must not fail on malformed stored seed: %v", err)
	}
	if !m.GeneratedThisSession() {
		t.Fatal("malformed seed must be replaced by a generated one")
	}
	raw, err := store.Get(StorageKeySeedHex)
	if err != nil || len(raw) != SeedSize*2 {
		t.Fatalf("fresh seed not persisted correctly: %v len=%d", err, len(raw))
	}
}

func TestDeriveKeysDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, SeedSize)
	a, err := DeriveKeys(seed)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	b, err := DeriveKeys(seed)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if !bytes.Equal(a.SigningPublicKey, b.SigningPublicKey) {
		t.Fatal("derivation must be deterministic")
	}
	if _, err := DeriveKeys(seed[:31]); err == nil {
		t.Fatal("short seed must be rejected")
	}
}

func TestConcurrentInitCollapses(t *testing.T) {
	m, store := newTestManager(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Init(context.Background()); err != nil {
				t.Errorf("init failed: %v", err)
			}
		}()
	}
	wg.Wait()

	// Exactly one seed must exist and it must match the derived identity.
	raw, err := store.Get(StorageKeySeedHex)
	if err != nil {
		t.Fatalf("seed not persisted: %v", err)
	}
	seed, _ := hex.DecodeString(string(raw))
	want, _ := DeriveKeys(seed)
	got, _ := m.Keys(context.Background())
	if !bytes.Equal(want.SigningPublicKey, got.SigningPublicKey) {
		t.Fatal("persisted seed does not match in-memory identity")
	}
}

func TestImportSeedReplacesIdentityAndFiresHooks(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	before, _ := m.Keys(context.Background())

	fired := 0
	m.OnIdentityReplaced(func() { fired++ })

	newSeed := bytes.Repeat([]byte{0x17}, SeedSize)
	if err := m.ImportSeed(context.Background(), newSeed); err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if fired != 1 {
		t.Fatalf("replacement hook fired %d times, want 1", fired)
	}
	if m.GeneratedThisSession() {
		t.Fatal("imported identity must not count as generated")
	}
	after, _ := m.Keys(context.Background())
	if bytes.Equal(before.SigningPublicKey, after.SigningPublicKey) {
		t.Fatal("import must replace the identity")
	}
	if err := m.ImportSeed(context.Background(), []byte("short")); err == nil {
		t.Fatal("wrong-length seed must be rejected")
	}
}

func TestMnemonicRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	seed := bytes.Repeat([]byte{0x0f}, SeedSize)
	if err := m.ImportSeed(context.Background(), seed); err != nil {
		t.Fatalf("import failed: %v", err)
	}
	phrase, err := m.Mnemonic(context.Background())
	if err != nil {
		t.Fatalf("mnemonic failed: %v", err)
	}
	if len(strings.Fields(phrase)) != 24 {
		t.Fatalf("expected 24 words, got %d", len(strings.Fields(phrase)))
	}
	got, err := SeedFromMnemonic(phrase)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !bytes.Equal(got, seed) {
		t.Fatal("mnemonic round trip mismatch")
	}
}

func TestSeedFromMnemonicRejectsMutation(t *testing.T) {
	seed := bytes.Repeat([]byte{0xa5}, SeedSize)
	phrase, err := MnemonicFromSeed(seed)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	words := strings.Fields(phrase)
	if words[3] == "abandon" {
		words[3] = "ability"
	} else {
		words[3] = "abandon"
	}
	got, err := SeedFromMnemonic(strings.Join(words, " "))
	if err == nil {
		// The 8-bit checksum misses one mutation in 256; never accept the
		// original seed back.
		if bytes.Equal(got, seed) {
			t.Fatal("mutated phrase decoded to the original seed")
		}
	} else if !errors.Is(err, ErrInvalidMnemonic) {
		t.Fatalf("expected ErrInvalidMnemonic, got %v", err)
	}
	if _, err := SeedFromMnemonic(""); !errors.Is(err, ErrInvalidMnemonic) {
		t.Fatalf("expected ErrInvalidMnemonic for empty phrase, got %v", err)
	}
}

func TestSignLazilyInitializes(t *testing.T) {
	m, _ := newTestManager(t)
	sig, err := m.Sign(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	keys, _ := m.Keys(context.Background())
	if !ed25519.Verify(keys.SigningPublicKey, []byte("payload"), sig) {
		t.Fatal("signature does not verify")
	}
}

func TestFingerprintFormat(t *testing.T) {
	m, _ := newTestManager(t)
	fp, err := m.Fingerprint(context.Background())
	if err != nil {
		t.Fatalf("fingerprint failed: %v", err)
	}
	if !strings.HasPrefix(fp, "ath1") || len(fp) < 20 {
		t.Fatalf("unexpected fingerprint %q", fp)
	}
}

func TestConsumeGeneratedFlag(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if !m.ConsumeGeneratedFlag() {
		t.Fatal("first consume should report generated")
	}
	if m.ConsumeGeneratedFlag() {
		t.Fatal("flag must be consumed once")
	}
}
