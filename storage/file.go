package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
)

const fileSuffix = ".kv"

// FileStore keeps one file per key under a directory. Writes go through a
// temporary file and a rename so a crash never leaves a torn value.
type FileStore struct {
	mu   sync.Mutex
	dir  string
	opts options
}

// NewFileStore creates the directory if needed and returns a store rooted there.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	if dir == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "storage", "NewFileStore", "check directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.WrapFatal(err, "storage", "NewFileStore", "create directory")
	}
	return &FileStore{dir: dir, opts: applyOptions(opts)}, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+fileSuffix)
}

// Get implements Store.
func (f *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "storage", "FileStore.Get", "read value")
	}
	value, err := openEnvelope(f.opts.clock.Now(), raw)
	if errors.Is(err, errors.ErrKeyNotFound) {
		_ = os.Remove(f.path(key))
	}
	return value, err
}

// Set implements Store.
func (f *FileStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	raw, err := sealEnvelope(f.opts.clock.Now(), value, ttl)
	if err != nil {
		return errors.WrapInvalid(err, "storage", "FileStore.Set", "encode value")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return errors.WrapTransient(err, "storage", "FileStore.Set", "create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.WrapTransient(err, "storage", "FileStore.Set", "write value")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.WrapTransient(err, "storage", "FileStore.Set", "close temp file")
	}
	if err := os.Rename(tmpName, f.path(key)); err != nil {
		os.Remove(tmpName)
		return errors.WrapTransient(err, "storage", "FileStore.Set", "rename value")
	}
	return nil
}

// Delete implements Store.
func (f *FileStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return errors.WrapTransient(err, "storage", "FileStore.Delete", "remove value")
	}
	return nil
}

// List implements Store.
func (f *FileStore) List(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, errors.WrapTransient(err, "storage", "FileStore.List", "read directory")
	}

	now := f.opts.clock.Now()
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			continue
		}
		key := string(decoded)
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(f.dir, name))
		if err != nil {
			continue
		}
		if _, err := openEnvelope(now, raw); err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements Store.
func (f *FileStore) Close() error { return nil }

func (f *FileStore) String() string { return fmt.Sprintf("file:%s", f.dir) }
