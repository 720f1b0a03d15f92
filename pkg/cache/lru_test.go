package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
)

func newTestLRU(t *testing.T, size int, opts ...Option[string]) Cache[string] {
	t.Helper()
	c, err := NewLRU[string](size, opts...)
	require.NoError(t, err)
	return c
}

func TestLRU_BasicOperations(t *testing.T) {
	c := newTestLRU(t, 10)

	created, err := c.Set("a", "1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.Set("a", "2")
	require.NoError(t, err)
	assert.False(t, created)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	deleted, err := c.Delete("a")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = c.Delete("a")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, 0, c.Size())
}

func TestLRU_InvalidInput(t *testing.T) {
	_, err := NewLRU[string](0)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	c := newTestLRU(t, 2)
	_, err = c.Set("", "x")
	assert.True(t, errors.IsInvalid(err))
	_, err = c.Delete("")
	assert.True(t, errors.IsInvalid(err))
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestLRU(t, 3)

	for _, k := range []string{"a", "b", "c"} {
		_, _ = c.Set(k, k)
	}
	_, _ = c.Get("a") // a becomes most recent
	_, _ = c.Set("d", "d")

	assert.False(t, c.Contains("b"))
	assert.True(t, c.Contains("a"))
	assert.Equal(t, []string{"d", "a", "c"}, c.Keys())
	assert.Equal(t, int64(1), c.Stats().Evictions())
}

func TestLRU_PeekKeepsInsertionOrder(t *testing.T) {
	c := newTestLRU(t, 3)

	for _, k := range []string{"a", "b", "c"} {
		_, _ = c.Set(k, k)
	}

	v, ok := c.Peek("a")
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	assert.True(t, c.Contains("a"))

	_, _ = c.Set("d", "d")

	assert.False(t, c.Contains("a"), "peek must not refresh recency")
	assert.Equal(t, []string{"d", "c", "b"}, c.Keys())
}

func TestLRU_ContainsDoesNotCountStats(t *testing.T) {
	c := newTestLRU(t, 3)
	_, _ = c.Set("a", "a")

	c.Contains("a")
	c.Contains("zzz")
	assert.Equal(t, int64(0), c.Stats().Hits())
	assert.Equal(t, int64(0), c.Stats().Misses())

	c.Peek("a")
	c.Peek("zzz")
	assert.Equal(t, int64(1), c.Stats().Hits())
	assert.Equal(t, int64(1), c.Stats().Misses())
	assert.InDelta(t, 0.5, c.Stats().HitRatio(), 0.001)
}

func TestLRU_EvictionCallback(t *testing.T) {
	var mu sync.Mutex
	var evicted []string

	c := newTestLRU(t, 2, WithEvictionCallback[string](func(key, _ string) {
		mu.Lock()
		evicted = append(evicted, key)
		mu.Unlock()
	}))

	_, _ = c.Set("a", "a")
	_, _ = c.Set("b", "b")
	_, _ = c.Set("c", "c")
	_, _ = c.Delete("b")
	_, _ = c.Set("d", "d")
	require.NoError(t, c.Clear())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c", "d"}, evicted)
	assert.Equal(t, 0, c.Size())
}

func TestLRU_Concurrency(t *testing.T) {
	c := newTestLRU(t, 100)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k-%d-%d", id, i%50)
				_, _ = c.Set(key, key)
				c.Get(key)
				c.Peek(key)
				if i%7 == 0 {
					_, _ = c.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Size(), 100)
	assert.Len(t, c.Keys(), c.Size())
}

func TestStatistics_Summary(t *testing.T) {
	s := NewStatistics()
	s.Hit()
	s.Hit()
	s.Miss()
	s.Set()
	s.Eviction()
	s.UpdateSize(5)
	s.UpdateSize(3)

	summary := s.Summary()
	assert.Equal(t, int64(2), summary.Hits)
	assert.Equal(t, int64(1), summary.Misses)
	assert.Equal(t, int64(3), summary.CurrentSize)
	assert.Equal(t, int64(5), summary.MaxSize)

	s.Reset()
	assert.Equal(t, int64(0), s.Hits())
	assert.Equal(t, 0.0, s.HitRatio())
}
