package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/config"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testStoreContract exercises the behaviour every backend must share.
// advance moves the backend's notion of time; nil skips expiry checks.
func testStoreContract(t *testing.T, store Store, advance func(time.Duration)) {
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		_, err := store.Get(ctx, "pull/absent")
		assert.ErrorIs(t, err, errors.ErrKeyNotFound)
	})

	t.Run("set get overwrite", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "pull/config", []byte(`{"v":1}`), 0))
		got, err := store.Get(ctx, "pull/config")
		require.NoError(t, err)
		assert.Equal(t, `{"v":1}`, string(got))

		require.NoError(t, store.Set(ctx, "pull/config", []byte(`{"v":2}`), 0))
		got, err = store.Get(ctx, "pull/config")
		require.NoError(t, err)
		assert.Equal(t, `{"v":2}`, string(got))
	})

	t.Run("empty value", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "pull/empty", []byte{}, 0))
		got, err := store.Get(ctx, "pull/empty")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "pull/gone", []byte("x"), 0))
		require.NoError(t, store.Delete(ctx, "pull/gone"))
		require.NoError(t, store.Delete(ctx, "pull/gone"))
		_, err := store.Get(ctx, "pull/gone")
		assert.ErrorIs(t, err, errors.ErrKeyNotFound)
	})

	t.Run("list by prefix", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "list/b", []byte("2"), 0))
		require.NoError(t, store.Set(ctx, "list/a", []byte("1"), 0))
		require.NoError(t, store.Set(ctx, "other/c", []byte("3"), 0))

		keys, err := store.List(ctx, "list/")
		require.NoError(t, err)
		assert.Equal(t, []string{"list/a", "list/b"}, keys)
	})

	t.Run("invalid key", func(t *testing.T) {
		err := store.Set(ctx, "pull config", []byte("x"), 0)
		assert.ErrorIs(t, err, errors.ErrInvalidData)
	})

	if advance == nil {
		return
	}

	t.Run("ttl expiry", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "ttl/blocked", []byte("1"), time.Minute))
		require.NoError(t, store.Set(ctx, "ttl/forever", []byte("1"), 0))

		advance(30 * time.Second)
		_, err := store.Get(ctx, "ttl/blocked")
		require.NoError(t, err)

		advance(31 * time.Second)
		_, err = store.Get(ctx, "ttl/blocked")
		assert.ErrorIs(t, err, errors.ErrKeyNotFound)

		_, err = store.Get(ctx, "ttl/forever")
		assert.NoError(t, err)

		keys, err := store.List(ctx, "ttl/")
		require.NoError(t, err)
		assert.Equal(t, []string{"ttl/forever"}, keys)
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	fc := clock.Fake(epoch)
	store := NewMemoryStore(WithClock(fc))
	defer store.Close()

	testStoreContract(t, store, fc.Advance)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	value := []byte("abc")
	require.NoError(t, store.Set(ctx, "k", value, 0))
	value[0] = 'z'

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	got[1] = 'z'
	again, _ := store.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
}

func TestMemoryStore_Closed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Close())

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
	assert.ErrorIs(t, store.Set(ctx, "k", nil, 0), errors.ErrStorageUnavailable)
}

func TestFileStore_Contract(t *testing.T) {
	fc := clock.Fake(epoch)
	store, err := NewFileStore(t.TempDir(), WithClock(fc))
	require.NoError(t, err)
	defer store.Close()

	testStoreContract(t, store, fc.Advance)
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "pull/session", []byte("cursor"), 0))

	second, err := NewFileStore(dir)
	require.NoError(t, err)
	got, err := second.Get(ctx, "pull/session")
	require.NoError(t, err)
	assert.Equal(t, "cursor", string(got))
}

func TestFileStore_RequiresDirectory(t *testing.T) {
	_, err := NewFileStore("")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestEnvelope(t *testing.T) {
	raw, err := sealEnvelope(epoch, []byte("data"), time.Second)
	require.NoError(t, err)

	got, err := openEnvelope(epoch, raw)
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))

	_, err = openEnvelope(epoch.Add(time.Second), raw)
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)

	_, err = openEnvelope(epoch, []byte{0xff, 0x00})
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}

func TestNew_Factory(t *testing.T) {
	ctx := context.Background()

	store, err := New(ctx, config.StorageConfig{Backend: config.StorageMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = New(ctx, config.StorageConfig{Backend: config.StorageFile, Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	_, err = New(ctx, config.StorageConfig{Backend: "etcd"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("pull/config.v2_a-b=c"))
	assert.Error(t, ValidateKey(""))
	assert.Error(t, ValidateKey("a b"))
	assert.Error(t, ValidateKey("a:b"))
	assert.Error(t, ValidateKey("a*"))
}
