// Package storage provides the key/value persistence used for pull client
// config and session state.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/clock"
)

// Store is the pluggable backend interface for state persistence.
//
// Keys are "/"-separated paths restricted to [-/_=.a-zA-Z0-9] so that every
// backend, NATS KV included, accepts them unchanged. Values are opaque bytes.
//
// All Store implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored at key or an error matching
	// errors.ErrKeyNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key. A positive ttl expires the key after that
	// duration; zero keeps it until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the live keys starting with prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases backend resources.
	Close() error
}

var validKey = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)

// ValidateKey reports whether key is usable with every backend.
func ValidateKey(key string) error {
	if !validKey.MatchString(key) {
		return fmt.Errorf("%w: invalid storage key %q", errors.ErrInvalidData, key)
	}
	return nil
}

// Option configures a Store.
type Option func(*options)

type options struct {
	clock  clock.Clock
	logger *slog.Logger
}

func defaultOptions() options {
	return options{
		clock:  clock.Real(),
		logger: slog.Default(),
	}
}

// WithClock sets the clock used for expiry. Redis expiry is server-side and
// ignores it.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// envelope carries a value plus its expiry for backends without native TTL.
type envelope struct {
	ExpiresAt int64  `cbor:"1,keyasint,omitempty"` // unix ms, 0 = never
	Data      []byte `cbor:"2,keyasint"`
}

func sealEnvelope(now time.Time, value []byte, ttl time.Duration) ([]byte, error) {
	env := envelope{Data: value}
	if ttl > 0 {
		env.ExpiresAt = now.Add(ttl).UnixMilli()
	}
	return cbor.Marshal(env)
}

// openEnvelope returns the value or ErrKeyNotFound when expired.
func openEnvelope(now time.Time, raw []byte) ([]byte, error) {
	var env envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decode stored value: %v", errors.ErrInvalidData, err)
	}
	if expired(now, env.ExpiresAt) {
		return nil, errors.ErrKeyNotFound
	}
	if env.Data == nil {
		env.Data = []byte{}
	}
	return env.Data, nil
}

func expired(now time.Time, expiresAtMs int64) bool {
	return expiresAtMs != 0 && now.UnixMilli() >= expiresAtMs
}
