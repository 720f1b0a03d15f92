// Package cache provides a generic, thread-safe LRU cache with built-in
// statistics and optional Prometheus metrics.
//
// The pull client uses it for the recent message-id window (dedup) and for
// public channel descriptors (channel).
package cache

import (
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
)

// Cache is a bounded key/value cache parameterized by value type.
type Cache[V any] interface {
	// Get returns the value and marks the key as recently used.
	Get(key string) (V, bool)

	// Peek returns the value without changing its recency.
	Peek(key string) (V, bool)

	// Contains reports whether key is present without changing its recency
	// or the hit/miss statistics.
	Contains(key string) bool

	// Set stores a value. It returns true when a new entry was created.
	Set(key string, value V) (bool, error)

	// Delete removes an entry. It returns true when the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries.
	Clear() error

	// Size returns the number of entries.
	Size() int

	// Keys returns all keys, most recently used first.
	Keys() []string

	// Stats returns the cache statistics.
	Stats() *Statistics

	// Close releases resources.
	Close() error
}

// EvictCallback is called with the key and value of an entry removed by
// eviction, Delete or Clear.
type EvictCallback[V any] func(key string, value V)

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
