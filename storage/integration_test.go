package storage

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/config"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/clock"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/testutil"
)

func TestRedisStore_Integration(t *testing.T) {
	addr := testutil.StartRedis(t)
	ctx := context.Background()

	store, err := NewRedisStore(ctx, RedisConfig{Addr: addr, KeyPrefix: "it:"})
	require.NoError(t, err)
	defer store.Close()

	testStoreContract(t, store, nil)

	t.Run("native ttl", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "ttl/short", []byte("1"), time.Second))
		assert.Eventually(t, func() bool {
			_, err := store.Get(ctx, "ttl/short")
			return errors.Is(err, errors.ErrKeyNotFound)
		}, 5*time.Second, 100*time.Millisecond)
	})
}

func TestRedisStore_Unreachable(t *testing.T) {
	testutil.SkipIfShort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisStore(ctx, RedisConfig{Addr: "127.0.0.1:1"})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestNATSStore_Integration(t *testing.T) {
	url := testutil.StartNATS(t)
	ctx := context.Background()
	fc := clock.Fake(epoch)

	store, err := NewNATSStore(ctx, NATSConfig{URL: url, Bucket: "PULL_TEST"}, WithClock(fc))
	require.NoError(t, err)
	defer store.Close()

	testStoreContract(t, store, fc.Advance)
}

func TestNATSStore_SharedConnectionAndExistingBucket(t *testing.T) {
	url := testutil.StartNATS(t)
	ctx := context.Background()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	first, err := NewNATSStoreFromConn(ctx, nc, NATSConfig{Bucket: "PULL_SHARED"})
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "pull/session", []byte("cursor"), 0))
	require.NoError(t, first.Close())
	assert.True(t, nc.IsConnected(), "caller-owned connection must stay open")

	second, err := NewNATSStoreFromConn(ctx, nc, NATSConfig{Bucket: "PULL_SHARED"})
	require.NoError(t, err)
	got, err := second.Get(ctx, "pull/session")
	require.NoError(t, err)
	assert.Equal(t, "cursor", string(got))
}

func TestNew_FactoryIntegration(t *testing.T) {
	url := testutil.StartNATS(t)
	addr := testutil.StartRedis(t)
	ctx := context.Background()

	natsStore, err := New(ctx, config.StorageConfig{Backend: config.StorageNATS, NATSURL: url, NATSBucket: "PULL_FACTORY"})
	require.NoError(t, err)
	defer natsStore.Close()
	assert.IsType(t, &NATSStore{}, natsStore)

	redisStore, err := New(ctx, config.StorageConfig{Backend: config.StorageRedis, RedisAddr: addr})
	require.NoError(t, err)
	defer redisStore.Close()
	assert.IsType(t, &RedisStore{}, redisStore)
}
