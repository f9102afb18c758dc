// Package variant assigns visitors to experiment variants and persists the
// choice so it stays stable across reloads.
package variant

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/techplay/ab-cli/internal/store"
)

var (
	// ErrNotFound is returned by Store.Read when no value is stored for a key.
	ErrNotFound = eris.New("variant: not found")

	// ErrUnavailable matches any StorageError: quota exceeded, storage
	// disabled, backend unreachable.
	ErrUnavailable = eris.New("variant: storage unavailable")

	errDisabled      = errors.New("storage disabled")
	errQuotaExceeded = errors.New("quota exceeded")
)

// Store is a visitor-scoped key/value store for persisted assignments.
//
// Read returns ErrNotFound when the key is absent and an error matching
// ErrUnavailable when the storage itself failed. Callers are expected to
// branch on these explicitly rather than rely on panics being recovered.
type Store interface {
	Read(ctx context.Context, key string) (string, error)
	Write(ctx context.Context, key, value string) error
}

// StorageError reports a failed storage operation. It matches ErrUnavailable
// under errors.Is and unwraps to the underlying cause.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return "variant: " + e.Op + " " + e.Key + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrUnavailable) match every StorageError.
func (e *StorageError) Is(target error) bool {
	return target == ErrUnavailable
}

// MemoryStore is an in-process Store. It can simulate a full or disabled
// browser storage for tests and degraded environments.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]string
	capacity int
	disabled bool
	writes   int
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithCapacity limits the number of distinct keys. Writes of new keys beyond
// the limit fail with a quota error; overwrites of existing keys still succeed.
func WithCapacity(n int) MemoryOption {
	return func(m *MemoryStore) { m.capacity = n }
}

// WithSeed pre-populates the store.
func WithSeed(values map[string]string) MemoryOption {
	return func(m *MemoryStore) {
		for k, v := range values {
			m.data[k] = v
		}
	}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{data: make(map[string]string)}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *MemoryStore) Read(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.disabled {
		return "", &StorageError{Op: "read", Key: key, Err: errDisabled}
	}
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Write(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disabled {
		return &StorageError{Op: "write", Key: key, Err: errDisabled}
	}
	if _, exists := m.data[key]; !exists && m.capacity > 0 && len(m.data) >= m.capacity {
		return &StorageError{Op: "write", Key: key, Err: errQuotaExceeded}
	}
	m.data[key] = value
	m.writes++
	return nil
}

// Disable makes every subsequent Read and Write fail, like a browser in
// private mode with storage turned off.
func (m *MemoryStore) Disable() {
	m.mu.Lock()
	m.disabled = true
	m.mu.Unlock()
}

// Enable reverses Disable.
func (m *MemoryStore) Enable() {
	m.mu.Lock()
	m.disabled = false
	m.mu.Unlock()
}

// Writes returns the number of successful writes.
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Get returns the raw stored value, bypassing the disabled switch.
func (m *MemoryStore) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

// Backend is the subset of store.Store needed to persist assignments server-side.
type Backend interface {
	GetAssignment(ctx context.Context, visitorID, key string) (string, error)
	PutAssignment(ctx context.Context, visitorID, key, value string) error
}

// KVStore binds a Backend to one visitor, giving that visitor the same
// persisted scope a browser's local storage would.
type KVStore struct {
	backend   Backend
	visitorID string
}

// NewKVStore creates a Store for visitorID backed by b.
func NewKVStore(b Backend, visitorID string) *KVStore {
	return &KVStore{backend: b, visitorID: visitorID}
}

func (s *KVStore) Read(ctx context.Context, key string) (string, error) {
	v, err := s.backend.GetAssignment(ctx, s.visitorID, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", &StorageError{Op: "read", Key: key, Err: err}
	}
	return v, nil
}

func (s *KVStore) Write(ctx context.Context, key, value string) error {
	if err := s.backend.PutAssignment(ctx, s.visitorID, key, value); err != nil {
		return &StorageError{Op: "write", Key: key, Err: err}
	}
	return nil
}
