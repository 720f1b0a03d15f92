package storage

import (
	"context"
	"fmt"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/config"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
)

// New builds the backend selected in cfg.
func New(ctx context.Context, cfg config.StorageConfig, opts ...Option) (Store, error) {
	switch cfg.Backend {
	case config.StorageMemory, "":
		return NewMemoryStore(opts...), nil
	case config.StorageFile:
		return NewFileStore(cfg.Path, opts...)
	case config.StorageRedis:
		return NewRedisStore(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, opts...)
	case config.StorageNATS:
		return NewNATSStore(ctx, NATSConfig{
			URL:    cfg.NATSURL,
			Bucket: cfg.NATSBucket,
		}, opts...)
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown storage backend %q", errors.ErrInvalidConfig, cfg.Backend),
			"storage", "New", "select backend")
	}
}
