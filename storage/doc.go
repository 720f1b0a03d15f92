// Package storage provides the key/value backends behind the pull client's
// config cache and session cursor.
//
// # Backends
//
//   - MemoryStore: process memory, the default.
//   - FileStore: one file per key under a directory, atomic rename on write.
//   - RedisStore: go-redis, native key expiry, SCAN for listing.
//   - NATSStore: a JetStream key/value bucket, opened or created on start.
//
// File and NATS values are stored inside a small CBOR envelope that carries
// the expiry, so every backend honours the ttl passed to Set. Expired keys
// read as errors.ErrKeyNotFound.
//
// # Usage
//
//	store, err := storage.New(ctx, settings.Storage)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	err = store.Set(ctx, "pull/config", data, time.Hour)
//	data, err = store.Get(ctx, "pull/config")
//
// Keys are restricted to [-/_=.a-zA-Z0-9] so they are valid NATS KV keys.
package storage
