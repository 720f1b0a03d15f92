package storage

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/retry"
)

// NATSConfig holds NATS KV configuration
type NATSConfig struct {
	URL     string
	Bucket  string
	History int
	Timeout time.Duration
}

// NATSStore implements Store on a JetStream key/value bucket. Per-key TTL
// is carried in the value envelope; the bucket itself never expires keys.
type NATSStore struct {
	conn    *nats.Conn
	ownConn bool
	bucket  jetstream.KeyValue
	timeout time.Duration
	opts    options
}

// NewNATSStore connects to cfg.URL and opens (or creates) the bucket.
func NewNATSStore(ctx context.Context, cfg NATSConfig, opts ...Option) (*NATSStore, error) {
	o := applyOptions(opts)
	conn, err := nats.Connect(cfg.URL,
		nats.Name("pullclient-state"),
		nats.Timeout(timeoutOrDefault(cfg.Timeout)),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				o.logger.Warn("NATS state store disconnected", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "storage", "NewNATSStore", "connect")
	}

	store, err := NewNATSStoreFromConn(ctx, conn, cfg, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	store.ownConn = true
	return store, nil
}

// NewNATSStoreFromConn opens the bucket over an existing connection, which
// stays owned by the caller.
func NewNATSStoreFromConn(ctx context.Context, conn *nats.Conn, cfg NATSConfig, opts ...Option) (*NATSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "storage", "NewNATSStore", "check bucket name")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, errors.WrapTransient(err, "storage", "NewNATSStore", "create jetstream context")
	}

	history := cfg.History
	if history <= 0 {
		history = 1
	}

	bucket, err := retry.DoWithResult(ctx, retry.Quick(), func() (jetstream.KeyValue, error) {
		return openBucket(ctx, js, jetstream.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "pull client config and session state",
			History:     uint8(history),
		})
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "storage", "NewNATSStore", "open bucket "+cfg.Bucket)
	}

	return &NATSStore{
		conn:    conn,
		bucket:  bucket,
		timeout: timeoutOrDefault(cfg.Timeout),
		opts:    applyOptions(opts),
	}, nil
}

// openBucket gets an existing bucket or creates it, tolerating a concurrent create.
func openBucket(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	bucket, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return bucket, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, err
	}

	bucket, err = js.CreateKeyValue(ctx, cfg)
	if errors.Is(err, jetstream.ErrBucketExists) {
		return js.KeyValue(ctx, cfg.Bucket)
	}
	return bucket, err
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}

func (n *NATSStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, n.timeout)
}

// Get implements Store.
func (n *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	ctx, cancel := n.applyTimeout(ctx)
	defer cancel()

	entry, err := n.bucket.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "storage", "NATSStore.Get", "get key")
	}
	return openEnvelope(n.opts.clock.Now(), entry.Value())
}

// Set implements Store.
func (n *NATSStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	raw, err := sealEnvelope(n.opts.clock.Now(), value, ttl)
	if err != nil {
		return errors.WrapInvalid(err, "storage", "NATSStore.Set", "encode value")
	}

	ctx, cancel := n.applyTimeout(ctx)
	defer cancel()

	if _, err := n.bucket.Put(ctx, key, raw); err != nil {
		return errors.WrapTransient(err, "storage", "NATSStore.Set", "put key")
	}
	return nil
}

// Delete implements Store.
func (n *NATSStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	ctx, cancel := n.applyTimeout(ctx)
	defer cancel()

	if err := n.bucket.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return errors.WrapTransient(err, "storage", "NATSStore.Delete", "delete key")
	}
	return nil
}

// List implements Store. Expired keys are filtered out.
func (n *NATSStore) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := n.applyTimeout(ctx)
	defer cancel()

	lister, err := n.bucket.ListKeys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "storage", "NATSStore.List", "list keys")
	}
	defer lister.Stop()

	var candidates []string
	for k := range lister.Keys() {
		if strings.HasPrefix(k, prefix) {
			candidates = append(candidates, k)
		}
	}

	now := n.opts.clock.Now()
	keys := make([]string, 0, len(candidates))
	for _, k := range candidates {
		entry, err := n.bucket.Get(ctx, k)
		if err != nil {
			continue
		}
		if _, err := openEnvelope(now, entry.Value()); err != nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements Store. A connection passed in by the caller is left open.
func (n *NATSStore) Close() error {
	if n.ownConn {
		return n.conn.Drain()
	}
	return nil
}
