// Package convkey hands out per-conversation symmetric keys. Keys are held
// in memory only: the server never sees them and restarting the process
// starts a fresh set, with DeriveForPeer available when both sides need to
// agree on the same key deterministically.
package convkey

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/singleflight"

	"aithena-chat/client-core/internal/identity"
	"aithena-chat/client-core/internal/keyagree"
)

// KeySize is the length of every conversation key.
const KeySize = 32

const deriveInfoPrefix = "aithena/conv/key/v1|"

var ErrInvalidConversation = errors.New("convkey: conversation id must not be empty")

// Cache memoizes one symmetric key per conversation. Concurrent first
// requests for the same conversation collapse into a single key generation.
type Cache struct {
	ident *identity.Manager
	log   *slog.Logger

	group singleflight.Group

	mu   sync.RWMutex
	keys map[string][]byte
}

func NewCache(ident *identity.Manager, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		ident: ident,
		log:   log,
		keys:  make(map[string][]byte),
	}
}

// GetOrCreate returns the conversation's key, generating a random one on
// first use. Every caller for the same conversation observes the same key
// until Reset.
func (c *Cache) GetOrCreate(ctx context.Context, conversationID string) ([]byte, error) {
	if conversationID == "" {
		return nil, ErrInvalidConversation
	}
	if key, ok := c.lookup(conversationID); ok {
		return key, nil
	}
	v, err, _ := c.group.Do(conversationID, func() (any, error) {
		if key, ok := c.lookup(conversationID); ok {
			return key, nil
		}
		key := make([]byte, KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("convkey: generate key: %w", err)
		}
		c.remember(conversationID, key)
		c.log.DebugContext(ctx, "conversation key generated", "conversation_id", conversationID)
		return append([]byte(nil), key...), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// DeriveForPeer installs a key both ends can compute independently: a DH
// agreement between the local identity and the peer's public key, bound to
// the conversation. It replaces whatever key the cache held for the
// conversation.
func (c *Cache) DeriveForPeer(ctx context.Context, conversationID string, peerPub ed25519.PublicKey) ([]byte, error) {
	if conversationID == "" {
		return nil, ErrInvalidConversation
	}
	keys, err := c.ident.Keys(ctx)
	if err != nil {
		return nil, err
	}
	secret, err := keyagree.SharedSecret(keys.SigningPrivateKey, peerPub)
	if err != nil {
		return nil, err
	}
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(deriveInfoPrefix+conversationID))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("convkey: derive key: %w", err)
	}
	c.remember(conversationID, key)
	c.log.DebugContext(ctx, "conversation key derived from peer", "conversation_id", conversationID)
	return append([]byte(nil), key...), nil
}

// Reset forgets every cached key. Wired to identity replacement so keys
// never outlive the identity they were created under.
func (c *Cache) Reset() {
	c.mu.Lock()
	for id, key := range c.keys {
		for i := range key {
			key[i] = 0
		}
		delete(c.keys, id)
	}
	c.mu.Unlock()
}

// Len reports how many conversations currently hold a key.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}

func (c *Cache) lookup(id string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), key...), true
}

func (c *Cache) remember(id string, key []byte) {
	c.mu.Lock()
	c.keys[id] = append([]byte(nil), key...)
	c.mu.Unlock()
}
