// Package e2ee wires the key subsystem into one message-level service.
// Everything is injected explicitly; the package owns no globals.
package e2ee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"aithena-chat/client-core/internal/aeadbox"
	"aithena-chat/client-core/internal/convkey"
	"aithena-chat/client-core/internal/identity"
	"aithena-chat/client-core/internal/securestore"
	"aithena-chat/client-core/internal/serverkey"
	"aithena-chat/client-core/internal/wire"
)

var ErrNotInitialized = errors.New("e2ee: service not initialized")

// Service composes the key store, identity, conversation keys and the server
// channel into the encrypt/decrypt surface the rest of the client uses.
type Service struct {
	store    *securestore.Store
	identity *identity.Manager
	convKeys *convkey.Cache
	server   *serverkey.Channel
	log      *slog.Logger

	initialized atomic.Bool
}

// NewService builds the full composition over a key store and a server base
// URL. Identity replacement clears cached conversation keys.
func NewService(store *securestore.Store, serverURL string, log *slog.Logger, opts ...serverkey.Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	ident := identity.NewManager(store, log)
	convKeys := convkey.NewCache(ident, log)
	ident.OnIdentityReplaced(convKeys.Reset)
	return &Service{
		store:    store,
		identity: ident,
		convKeys: convKeys,
		server:   serverkey.NewChannel(serverURL, store, log, opts...),
		log:      log,
	}
}

// Init brings the service to a usable state: migrate any legacy RSA-only
// identity, initialize the seed identity, then pre-warm the server key. The
// pre-warm is best effort; EncryptMessage fetches again on demand.
func (s *Service) Init(ctx context.Context) error {
	if _, err := s.identity.MigrateLegacy(ctx); err != nil {
		return fmt.Errorf("e2ee: legacy migration: %w", err)
	}
	if err := s.identity.Init(ctx); err != nil {
		return fmt.Errorf("e2ee: identity init: %w", err)
	}
	if err := s.server.Fetch(ctx); err != nil {
		s.log.WarnContext(ctx, "server key pre-warm failed", "error", err)
	}
	s.initialized.Store(true)
	return nil
}

// EncryptMessage seals plaintext for a conversation and wraps the
// conversation key for the server. A wrap failure fails the whole call so a
// message is never sent with a key the server cannot recover.
func (s *Service) EncryptMessage(ctx context.Context, conversationID string, plaintext []byte) (*wire.Envelope, error) {
	if !s.initialized.Load() {
		return nil, ErrNotInitialized
	}
	key, err := s.convKeys.GetOrCreate(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	box, err := aeadbox.Seal(plaintext, key)
	if err != nil {
		return nil, err
	}
	wrapped, err := s.server.EncryptForServer(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("e2ee: wrap conversation key: %w", err)
	}
	return wire.FromBox(box, wrapped), nil
}

// DecryptMessage opens an envelope with the conversation's key. Tampered
// envelopes surface aeadbox.ErrAuthenticationFailed unchanged.
func (s *Service) DecryptMessage(ctx context.Context, conversationID string, env *wire.Envelope) ([]byte, error) {
	if !s.initialized.Load() {
		return nil, ErrNotInitialized
	}
	key, err := s.convKeys.GetOrCreate(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return aeadbox.Open(env.Box(), key)
}

// Identity exposes the identity manager for mnemonic export/import and
// fingerprint queries.
func (s *Service) Identity() *identity.Manager { return s.identity }

// ServerChannel exposes the server key channel.
func (s *Service) ServerChannel() *serverkey.Channel { return s.server }

// ConversationKeys exposes the conversation key cache.
func (s *Service) ConversationKeys() *convkey.Cache { return s.convKeys }

// EphemeralMode reports whether key storage degraded to memory, meaning the
// identity will not survive a restart.
func (s *Service) EphemeralMode() bool { return s.store.Degraded() }
