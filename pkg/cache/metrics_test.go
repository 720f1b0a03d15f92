package cache

import (
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/metric"
)

func TestCacheMetricsIntegration(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	c, err := NewLRU[string](10, WithMetrics[string](registry, "channels"))
	require.NoError(t, err)

	_, _ = c.Set("key1", "value1")
	_, _ = c.Set("key2", "value2")
	_, _ = c.Get("key1")
	_, _ = c.Get("key3")
	_, _ = c.Delete("key2")

	m := c.(*lruCache[string]).metrics
	require.NotNil(t, m)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.hits))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.misses))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.sets))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.deletes))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.size))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() == "pull_cache_hits_total" {
			found = true
			assert.Equal(t, "channels", mf.GetMetric()[0].GetLabel()[0].GetValue())
		}
	}
	assert.True(t, found)
}

func TestCacheMetrics_DuplicatePrefixFails(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	_, err := NewLRU[string](10, WithMetrics[string](registry, "dedup"))
	require.NoError(t, err)

	_, err = NewLRU[string](10, WithMetrics[string](registry, "dedup"))
	assert.Error(t, err)
}

func TestCacheWithoutMetrics(t *testing.T) {
	c, err := NewLRU[string](10, WithMetrics[string](nil, "ignored"))
	require.NoError(t, err)
	assert.Nil(t, c.(*lruCache[string]).metrics)
	assert.NotNil(t, c.Stats())
}
