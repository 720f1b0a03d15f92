package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
)

type memoryEntry struct {
	value     []byte
	expiresAt int64
}

// MemoryStore keeps values in process memory. State does not survive a
// restart; it is the default backend and the one tests use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	opts    options
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		opts:    applyOptions(opts),
	}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, errors.ErrStorageUnavailable
	}
	e, ok := m.entries[key]
	if !ok || expired(m.opts.clock.Now(), e.expiresAt) {
		return nil, errors.ErrKeyNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	e := memoryEntry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.expiresAt = m.opts.clock.Now().Add(ttl).UnixMilli()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.ErrStorageUnavailable
	}
	m.entries[key] = e
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.ErrStorageUnavailable
	}
	delete(m.entries, key)
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.ErrStorageUnavailable
	}

	now := m.opts.clock.Now()
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if expired(now, e.expiresAt) {
			delete(m.entries, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = make(map[string]memoryEntry)
	return nil
}
