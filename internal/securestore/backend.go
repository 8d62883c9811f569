package securestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound reports a missing key. A miss is a normal outcome and never
// triggers the degradation fallback.
var ErrNotFound = errors.New("securestore key not found")

// Backend is the raw key-value byte store underneath Store.
type Backend interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// FileBackend stands in for platform secure storage: one encrypted file per
// key under a private directory.
type FileBackend struct {
	dir    string
	secret string
}

func NewFileBackend(dir, secret string) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("securestore: empty data dir")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("securestore: empty storage secret")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("securestore: create data dir: %w", err)
	}
	return &FileBackend{dir: dir, secret: secret}, nil
}

func (b *FileBackend) Get(key string) ([]byte, error) {
	path, err := b.pathFor(key)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return Decrypt(b.secret, raw)
}

func (b *FileBackend) Set(key string, value []byte) error {
	path, err := b.pathFor(key)
	if err != nil {
		return err
	}
	encrypted, err := Encrypt(b.secret, value)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encrypted, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *FileBackend) Delete(key string) error {
	path, err := b.pathFor(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (b *FileBackend) pathFor(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("securestore: invalid key %q", key)
	}
	return filepath.Join(b.dir, key+".enc"), nil
}

// MemoryBackend is the in-process fallback. Contents die with the process.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (b *MemoryBackend) Get(key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	value, ok := b.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (b *MemoryBackend) Set(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}
