package securestore

import (
	"errors"
	"log/slog"
	"sync"

	"aithena-chat/client-core/internal/platform/metrics"
)

// Store wraps the platform backend with a one-directional in-memory fallback.
// The first backend failure (other than a plain miss) permanently switches
// the store to memory for the rest of the process: secure persistence is a
// degraded-but-continuable state, not an abort condition. Data written while
// degraded is lost on exit, which the identity layer surfaces to the user as
// ephemeral-keys mode.
type Store struct {
	mu       sync.Mutex
	active   Backend
	fallback *MemoryBackend
	degraded bool
	log      *slog.Logger
}

func NewStore(primary Backend, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		active:   primary,
		fallback: NewMemoryBackend(),
		log:      log,
	}
}

// Degraded reports whether the store has switched to the in-memory fallback.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Store) Get(key string) ([]byte, error) {
	backend := s.backend()
	value, err := backend.Get(key)
	if err == nil || errors.Is(err, ErrNotFound) {
		return value, err
	}
	s.degrade("get", key, err)
	return s.backend().Get(key)
}

func (s *Store) Set(key string, value []byte) error {
	if err := s.backend().Set(key, value); err != nil {
		s.degrade("set", key, err)
		return s.backend().Set(key, value)
	}
	return nil
}

func (s *Store) Delete(key string) error {
	if err := s.backend().Delete(key); err != nil {
		s.degrade("delete", key, err)
		return s.backend().Delete(key)
	}
	return nil
}

func (s *Store) backend() Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Store) degrade(op, key string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded {
		return
	}
	s.degraded = true
	s.active = s.fallback
	metrics.StorageDegraded.Set(1)
	s.log.Warn("secure storage backend failed, switching to in-memory store for this process",
		slog.String("op", op),
		slog.String("key", key),
		slog.String("error", cause.Error()),
	)
}
