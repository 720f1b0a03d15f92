package cache

import (
	"container/list"
	"sync"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
)

type lruEntry[V any] struct {
	key   string
	value V
}

// lruCache evicts the least recently used entry once maxSize is exceeded.
// Eviction callbacks always run after the lock is released.
type lruCache[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List // front is most recent
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]
}

// NewLRU creates an LRU cache holding at most maxSize entries.
func NewLRU[V any](maxSize int, options ...Option[V]) (Cache[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU", "maxSize must be positive")
	}
	opts := applyOptions(options...)

	c := &lruCache[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		stats:   NewStatistics(),
		evictFn: opts.evictCallback,
	}
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		m, err := newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewLRU", "metrics registration")
		}
		c.metrics = m
	}
	return c, nil
}

func (c *lruCache[V]) lookup(key string, touch bool) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.stats.Miss()
		if c.metrics != nil {
			c.metrics.recordMiss()
		}
		var zero V
		return zero, false
	}
	if touch {
		c.order.MoveToFront(el)
	}
	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.recordHit()
	}
	return el.Value.(*lruEntry[V]).value, true
}

// Get returns the value for key and marks it most recent.
func (c *lruCache[V]) Get(key string) (V, bool) { return c.lookup(key, true) }

// Peek returns the value for key leaving recency untouched.
func (c *lruCache[V]) Peek(key string) (V, bool) { return c.lookup(key, false) }

func (c *lruCache[V]) Contains(key string) bool {
	c.mu.Lock()
	_, ok := c.items[key]
	c.mu.Unlock()
	return ok
}

func (c *lruCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.stats.Set()
	if c.metrics != nil {
		c.metrics.recordSet()
	}
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry[V]).value = value
		c.order.MoveToFront(el)
		c.mu.Unlock()
		return false, nil
	}

	c.items[key] = c.order.PushFront(&lruEntry[V]{key: key, value: value})
	var evicted []lruEntry[V]
	for len(c.items) > c.maxSize {
		evicted = append(evicted, c.removeLocked(c.order.Back()))
		c.stats.Eviction()
		if c.metrics != nil {
			c.metrics.recordEviction()
		}
	}
	c.sizeChangedLocked()
	c.mu.Unlock()

	c.notifyEvicted(evicted)
	return true, nil
}

func (c *lruCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	removed := c.removeLocked(el)
	c.stats.Delete()
	if c.metrics != nil {
		c.metrics.recordDelete()
	}
	c.sizeChangedLocked()
	c.mu.Unlock()

	c.notifyEvicted([]lruEntry[V]{removed})
	return true, nil
}

// Clear drops every entry, reporting them oldest first to the eviction
// callback.
func (c *lruCache[V]) Clear() error {
	c.mu.Lock()
	var removed []lruEntry[V]
	if c.evictFn != nil {
		removed = make([]lruEntry[V], 0, len(c.items))
		for el := c.order.Back(); el != nil; el = el.Prev() {
			removed = append(removed, *el.Value.(*lruEntry[V]))
		}
	}
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.sizeChangedLocked()
	c.mu.Unlock()

	c.notifyEvicted(removed)
	return nil
}

func (c *lruCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys lists the keys, most recent first.
func (c *lruCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*lruEntry[V]).key)
	}
	return keys
}

func (c *lruCache[V]) Stats() *Statistics { return c.stats }

func (c *lruCache[V]) Close() error { return nil }

func (c *lruCache[V]) removeLocked(el *list.Element) lruEntry[V] {
	e := el.Value.(*lruEntry[V])
	delete(c.items, e.key)
	c.order.Remove(el)
	return *e
}

func (c *lruCache[V]) sizeChangedLocked() {
	c.stats.UpdateSize(int64(len(c.items)))
	if c.metrics != nil {
		c.metrics.updateSize(len(c.items))
	}
}

func (c *lruCache[V]) notifyEvicted(entries []lruEntry[V]) {
	if c.evictFn == nil {
		return
	}
	for _, e := range entries {
		c.evictFn(e.key, e.value)
	}
}
