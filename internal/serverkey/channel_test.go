package serverkey

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"aithena-chat/client-core/internal/keycodec"
	"aithena-chat/client-core/internal/platform/ratelimiter"
	"aithena-chat/client-core/internal/securestore"
)

func newStore() *securestore.Store {
	return securestore.NewStore(securestore.NewMemoryBackend(), nil)
}

func serverWithKey(t *testing.T) (*httptest.Server, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate server key failed: %v", err)
	}
	pemText, err := keycodec.EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		t.Fatalf("encode server key failed: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/server-public-key" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"public_key": pemText})
	}))
	t.Cleanup(srv.Close)
	return srv, priv
}

func TestFetchCachesAndEncrypts(t *testing.T) {
	srv, priv := serverWithKey(t)
	store := newStore()
	ch := NewChannel(srv.URL, store, nil)

	if ch.HasKey() {
		t.Fatal("channel must start in NoServerKey state")
	}
	if err := ch.Fetch(context.Background()); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if !ch.HasKey() {
		t.Fatal("fetch should move channel to HasServerKey")
	}
	if _, err := store.Get("server_public_key_pem"); err != nil {
		t.Fatalf("key not persisted: %v", err)
	}

	wrapped, err := ch.EncryptForServer(context.Background(), []byte("aes key material"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	got, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		t.Fatalf("server-side decrypt failed: %v", err)
	}
	if string(got) != "aes key material" {
		t.Fatal("wrapped payload mismatch")
	}
}

func TestFetchRejectsCorruptResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"public_key": "-----BEGIN PUBLIC KEY-----\ngarbage\n-----END PUBLIC KEY-----"})
	}))
	defer srv.Close()

	store := newStore()
	ch := NewChannel(srv.URL, store, nil)
	if err := ch.Fetch(context.Background()); err == nil {
		t.Fatal("corrupt key must be rejected")
	}
	if ch.HasKey() {
		t.Fatal("corrupt key must not be cached")
	}
	if _, err := store.Get("server_public_key_pem"); !errors.Is(err, securestore.ErrNotFound) {
		t.Fatal("corrupt key must not be persisted")
	}
}

func TestFetchFailureFallsBackToPersistedKey(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key failed: %v", err)
	}
	pemText, err := keycodec.EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	store := newStore()
	if err := store.Set("server_public_key_pem", []byte(pemText)); err != nil {
		t.Fatalf("seed cache failed: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ch := NewChannel(srv.URL, store, nil)
	if err := ch.Fetch(context.Background()); err == nil {
		t.Fatal("fetch should report the HTTP failure")
	}
	// The persisted key still allows encryption.
	if _, err := ch.EncryptForServer(context.Background(), []byte("k")); err != nil {
		t.Fatalf("encrypt should use the cached key: %v", err)
	}
}

func TestEncryptWithoutAnyKeyFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ch := NewChannel(srv.URL, newStore(), nil)
	_, err := ch.EncryptForServer(context.Background(), []byte("k"))
	if !errors.Is(err, ErrServerKeyUnavailable) {
		t.Fatalf("expected ErrServerKeyUnavailable, got %v", err)
	}
}

func TestEncryptAutoFetches(t *testing.T) {
	srv, _ := serverWithKey(t)
	ch := NewChannel(srv.URL, newStore(), nil)
	// No explicit Fetch: the encrypt call must fetch-then-retry on its own.
	if _, err := ch.EncryptForServer(context.Background(), []byte("k")); err != nil {
		t.Fatalf("auto-fetch encrypt failed: %v", err)
	}
	if !ch.HasKey() {
		t.Fatal("auto-fetch should cache the key")
	}
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	ch := NewChannel(srv.URL, newStore(), nil,
		WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	err := ch.Fetch(context.Background())
	if !errors.Is(err, ErrFetchTimeout) {
		t.Fatalf("expected ErrFetchTimeout, got %v", err)
	}
}

func TestFetchThrottled(t *testing.T) {
	srv, _ := serverWithKey(t)
	ch := NewChannel(srv.URL, newStore(), nil,
		WithRateLimiter(ratelimiter.New(0.01, 1, time.Minute)))
	if err := ch.Fetch(context.Background()); err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
	if err := ch.Fetch(context.Background()); !errors.Is(err, ErrFetchThrottled) {
		t.Fatalf("expected ErrFetchThrottled, got %v", err)
	}
}

func TestInvalidateDropsKey(t *testing.T) {
	srv, _ := serverWithKey(t)
	store := newStore()
	ch := NewChannel(srv.URL, store, nil)
	if err := ch.Fetch(context.Background()); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	ch.Invalidate()
	if ch.HasKey() {
		t.Fatal("invalidate must drop the in-memory key")
	}
	if _, err := store.Get("server_public_key_pem"); !errors.Is(err, securestore.ErrNotFound) {
		t.Fatal("invalidate must drop the persisted key")
	}
}
