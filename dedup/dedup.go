// Package dedup tracks recently seen message ids so events redelivered by a
// second transport or by a replaying reconnect are dropped.
package dedup

import (
	"sync"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/metric"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/cache"
)

// DefaultSize is the default number of ids remembered.
const DefaultSize = 1000

// Window is a bounded set of message ids ordered by first arrival. When
// full, remembering a new id evicts the oldest one. Re-remembering a known
// id does not refresh it.
//
// Empty ids are never duplicates and are never remembered.
type Window struct {
	mu   sync.Mutex
	ids  cache.Cache[struct{}]
	size int
}

// Option configures a Window.
type Option func(*windowOptions)

type windowOptions struct {
	registry metric.MetricsRegistrar
}

// WithMetrics exports the underlying cache statistics.
func WithMetrics(registry metric.MetricsRegistrar) Option {
	return func(o *windowOptions) { o.registry = registry }
}

// New creates a Window holding at most size ids. A size below 1 uses DefaultSize.
func New(size int, opts ...Option) (*Window, error) {
	if size < 1 {
		size = DefaultSize
	}
	var o windowOptions
	for _, opt := range opts {
		opt(&o)
	}

	var cacheOpts []cache.Option[struct{}]
	if o.registry != nil {
		cacheOpts = append(cacheOpts, cache.WithMetrics[struct{}](o.registry, "dedup"))
	}
	ids, err := cache.NewLRU[struct{}](size, cacheOpts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "dedup", "New", "create id cache")
	}
	return &Window{ids: ids, size: size}, nil
}

// IsDuplicate reports whether id has been remembered.
func (w *Window) IsDuplicate(id string) bool {
	if id == "" {
		return false
	}
	return w.ids.Contains(id)
}

// Remember records id. Known ids keep their original position.
func (w *Window) Remember(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rememberLocked(id)
}

func (w *Window) rememberLocked(id string) {
	if id == "" || w.ids.Contains(id) {
		return
	}
	_, _ = w.ids.Set(id, struct{}{})
}

// Seen checks and records id in one step. It returns true when id was
// already known, i.e. the event is a duplicate.
func (w *Window) Seen(id string) bool {
	if id == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ids.Contains(id) {
		return true
	}
	w.rememberLocked(id)
	return false
}

// IDs returns the remembered ids, oldest first.
func (w *Window) IDs() []string {
	keys := w.ids.Keys()
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys
}

// Restore replaces the contents with ids, given oldest first. Only the
// newest Size ids are kept.
func (w *Window) Restore(ids []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.ids.Clear()
	if len(ids) > w.size {
		ids = ids[len(ids)-w.size:]
	}
	for _, id := range ids {
		w.rememberLocked(id)
	}
}

// Reset forgets every id.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.ids.Clear()
}

// Len returns the number of remembered ids.
func (w *Window) Len() int { return w.ids.Size() }

// Size returns the capacity.
func (w *Window) Size() int { return w.size }

// Stats returns the underlying cache statistics.
func (w *Window) Stats() *cache.Statistics { return w.ids.Stats() }
