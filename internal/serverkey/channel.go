// Package serverkey manages the backend's RSA public key: fetching it over
// HTTP, caching it in secure storage, and wrapping symmetric keys under it
// with RSA-OAEP. This is the hybrid-encryption half kept for backward
// compatibility with the server protocol.
package serverkey

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"aithena-chat/client-core/internal/keycodec"
	"aithena-chat/client-core/internal/platform/metrics"
	"aithena-chat/client-core/internal/platform/ratelimiter"
	"aithena-chat/client-core/internal/securestore"
)

const (
	fetchPath      = "/users/server-public-key"
	storageKeyPEM  = "server_public_key_pem"
	defaultTimeout = 10 * time.Second
)

var (
	// ErrServerKeyUnavailable means no cached or fetchable server key exists.
	// Retryable after a fresh fetch attempt; never silently skipped.
	ErrServerKeyUnavailable = errors.New("server public key unavailable")

	// ErrFetchTimeout is a retryable network timeout on the key fetch.
	ErrFetchTimeout = errors.New("server public key fetch timed out")

	// ErrFetchThrottled means the local rate limiter refused another attempt.
	ErrFetchThrottled = errors.New("server public key fetch throttled")
)

type keyResponse struct {
	PublicKey string `json:"public_key"`
}

// Channel caches the server's public key and encrypts material under it.
// State machine: NoServerKey -> HasServerKey on a successful fetch or cache
// load, back to NoServerKey only on explicit invalidation.
type Channel struct {
	baseURL string
	client  *http.Client
	store   *securestore.Store
	log     *slog.Logger
	limiter *ratelimiter.KeyedLimiter

	mu  sync.RWMutex
	pub *rsa.PublicKey
}

func NewChannel(baseURL string, store *securestore.Store, log *slog.Logger, opts ...Option) *Channel {
	if log == nil {
		log = slog.Default()
	}
	c := &Channel{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
		store:   store,
		log:     log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Option func(*Channel)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Channel) { c.client = client }
}

func WithRateLimiter(l *ratelimiter.KeyedLimiter) Option {
	return func(c *Channel) { c.limiter = l }
}

// HasKey reports whether an encryption-to-server call can proceed right now.
func (c *Channel) HasKey() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pub != nil
}

// Fetch retrieves the server public key and updates the in-memory and
// persisted caches. A corrupt response is rejected, never cached. On fetch
// failure the last persisted key is loaded as a fallback before the error is
// returned, so callers can distinguish "fetch failed" from "no key at all".
func (c *Channel) Fetch(ctx context.Context) error {
	if !c.allowAttempt() {
		metrics.ServerKeyFetches.WithLabelValues("throttled").Inc()
		return ErrFetchThrottled
	}
	pemText, err := c.fetchPEM(ctx)
	if err != nil {
		c.loadFromCache()
		return err
	}
	pub, err := validatePEM(pemText)
	if err != nil {
		metrics.ServerKeyFetches.WithLabelValues("invalid").Inc()
		c.loadFromCache()
		return fmt.Errorf("serverkey: reject fetched key: %w", err)
	}

	c.mu.Lock()
	c.pub = pub
	c.mu.Unlock()
	if err := c.store.Set(storageKeyPEM, []byte(pemText)); err != nil {
		c.log.Warn("server key accepted but not persisted", "error", err.Error())
	}
	metrics.ServerKeyFetches.WithLabelValues("ok").Inc()
	c.log.Info("server public key accepted", "fingerprint_sha256", pemFingerprint(pemText))
	return nil
}

// EncryptForServer wraps data under the server's public key with
// RSA-OAEP(SHA-256). When no key is cached it fetches once and retries; a
// failure of that fetch is fatal for the call.
func (c *Channel) EncryptForServer(ctx context.Context, data []byte) ([]byte, error) {
	pub, err := c.ensureKey(ctx)
	if err != nil {
		return nil, err
	}
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, data, nil)
	if err != nil {
		return nil, fmt.Errorf("serverkey: oaep encrypt: %w", err)
	}
	return out, nil
}

// Invalidate drops the in-memory key and the persisted cache, returning the
// channel to the NoServerKey state.
func (c *Channel) Invalidate() {
	c.mu.Lock()
	c.pub = nil
	c.mu.Unlock()
	if err := c.store.Delete(storageKeyPEM); err != nil {
		c.log.Warn("failed to drop cached server key", "error", err.Error())
	}
}

func (c *Channel) ensureKey(ctx context.Context) (*rsa.PublicKey, error) {
	c.mu.RLock()
	pub := c.pub
	c.mu.RUnlock()
	if pub != nil {
		return pub, nil
	}
	if c.loadFromCache() {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.pub, nil
	}
	if err := c.Fetch(ctx); err != nil {
		c.mu.RLock()
		pub = c.pub
		c.mu.RUnlock()
		if pub != nil {
			return pub, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrServerKeyUnavailable, err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pub == nil {
		return nil, ErrServerKeyUnavailable
	}
	return c.pub, nil
}

func (c *Channel) fetchPEM(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+fetchPath, nil)
	if err != nil {
		return "", fmt.Errorf("serverkey: build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			metrics.ServerKeyFetches.WithLabelValues("timeout").Inc()
			return "", fmt.Errorf("%w: %v", ErrFetchTimeout, err)
		}
		metrics.ServerKeyFetches.WithLabelValues("network_error").Inc()
		return "", fmt.Errorf("serverkey: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.ServerKeyFetches.WithLabelValues("http_error").Inc()
		return "", fmt.Errorf("serverkey: fetch returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("serverkey: read response: %w", err)
	}
	var parsed keyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("serverkey: decode response: %w", err)
	}
	if strings.TrimSpace(parsed.PublicKey) == "" {
		return "", errors.New("serverkey: response missing public_key")
	}
	return parsed.PublicKey, nil
}

// loadFromCache promotes the persisted PEM into memory. A cached key that no
// longer decodes is dropped so it cannot shadow future fetches.
func (c *Channel) loadFromCache() bool {
	raw, err := c.store.Get(storageKeyPEM)
	if err != nil {
		return false
	}
	pub, err := validatePEM(string(raw))
	if err != nil {
		c.log.Warn("cached server key is corrupt, dropping it", "error", err.Error())
		c.Invalidate()
		return false
	}
	c.mu.Lock()
	c.pub = pub
	c.mu.Unlock()
	return true
}

func (c *Channel) allowAttempt() bool {
	if c.limiter == nil {
		return true
	}
	host := c.baseURL
	if u, err := url.Parse(c.baseURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return c.limiter.Allow(host, time.Now())
}

func validatePEM(pemText string) (*rsa.PublicKey, error) {
	if !strings.Contains(pemText, "-----BEGIN PUBLIC KEY-----") ||
		!strings.Contains(pemText, "-----END PUBLIC KEY-----") {
		return nil, errors.New("missing PEM markers")
	}
	pub, err := keycodec.DecodePublicKeyPEM(pemText)
	if err != nil {
		return nil, err
	}
	if pub.N == nil || pub.E == 0 {
		return nil, errors.New("modulus or exponent missing")
	}
	return pub, nil
}

func pemFingerprint(pemText string) string {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return ""
	}
	sum := sha256.Sum256(block.Bytes)
	return hex.EncodeToString(sum[:])
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
