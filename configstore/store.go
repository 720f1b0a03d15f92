package configstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/metric"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/clock"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/restapi"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/storage"
)

// DefaultConfigMethod is the REST method returning the client config.
const DefaultConfigMethod = "pull.config.get"

const (
	keyConfig        = "config"
	keySession       = "session"
	keySocketBlocked = "socket_blocked"
	sessionTTL       = 24 * time.Hour
)

// Source tells where Load found the config.
type Source int

const (
	SourceCache Source = iota
	SourceRemote
)

// String returns the metric label for the source.
func (s Source) String() string {
	if s == SourceCache {
		return "cache"
	}
	return "remote"
}

// Session is the per-run delivery cursor.
type Session struct {
	MessageID        string    `json:"message_id,omitempty"`
	Tag              string    `json:"tag,omitempty"`
	Time             time.Time `json:"time,omitzero"`
	RecentMessageIDs []string  `json:"recent_message_ids,omitempty"`
	MessageCount     int64     `json:"message_count"`
}

// Accept advances the cursor past an accepted message.
func (s *Session) Accept(id, tag string, t time.Time) {
	if id != "" {
		s.MessageID = id
	}
	if tag != "" {
		s.Tag = tag
	}
	if !t.IsZero() {
		s.Time = t
	}
	s.MessageCount++
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	s.RecentMessageIDs = append([]string(nil), s.RecentMessageIDs...)
	return s
}

// Store loads and persists config and session state. It is safe for
// concurrent use; the orchestrator is its only writer.
type Store struct {
	kv      storage.Store
	caller  restapi.Caller
	method  string
	prefix  string
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metric.Metrics

	loads singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for staleness.
func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithMetrics records config loads.
func WithMetrics(m *metric.Metrics) Option { return func(s *Store) { s.metrics = m } }

// WithConfigMethod overrides DefaultConfigMethod.
func WithConfigMethod(method string) Option { return func(s *Store) { s.method = method } }

// WithKeyPrefix namespaces every key.
func WithKeyPrefix(prefix string) Option { return func(s *Store) { s.prefix = prefix } }

// New creates a Store. caller may be nil when only cached state is used.
func New(kv storage.Store, caller restapi.Caller, opts ...Option) *Store {
	s := &Store{
		kv:     kv,
		caller: caller,
		method: DefaultConfigMethod,
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "configstore")
	return s
}

func (s *Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// Load returns the cached config when it is still fresh and loads it from
// the server otherwise.
func (s *Store) Load(ctx context.Context) (*Config, Source, error) {
	cached, err := s.cached(ctx)
	if err != nil && !errors.Is(err, errors.ErrKeyNotFound) {
		s.logger.Warn("Cached config unreadable", "error", err)
	}
	if cached != nil && !s.IsStale(cached) {
		s.metrics.RecordConfigLoad(SourceCache.String(), "ok")
		return cached, SourceCache, nil
	}

	cfg, err := s.LoadRemote(ctx)
	if err != nil {
		return nil, SourceRemote, err
	}
	return cfg, SourceRemote, nil
}

func (s *Store) cached(ctx context.Context) (*Config, error) {
	data, err := s.kv.Get(ctx, s.key(keyConfig))
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: cached config: %v", errors.ErrInvalidData, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadRemote fetches the config from the server, bypassing its cache, and
// stores it. Failures are transient.
func (s *Store) LoadRemote(ctx context.Context) (*Config, error) {
	if s.caller == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "configstore", "LoadRemote", "rest caller")
	}
	// Concurrent loads share one REST call.
	v, err, shared := s.loads.Do(keyConfig, func() (any, error) {
		return s.loadRemote(ctx)
	})
	if err != nil {
		return nil, err
	}
	cfg := v.(*Config)
	if shared {
		cfg = cfg.Clone()
	}
	return cfg, nil
}

func (s *Store) loadRemote(ctx context.Context) (*Config, error) {

	var raw json.RawMessage
	if err := s.caller.Call(ctx, s.method, map[string]any{"CACHE": "N"}, &raw); err != nil {
		s.metrics.RecordConfigLoad(SourceRemote.String(), "error")
		return nil, errors.WrapTransient(err, "configstore", "LoadRemote", "call "+s.method)
	}
	cfg, err := ParseRemote(raw, s.clock.Now())
	if err != nil {
		s.metrics.RecordConfigLoad(SourceRemote.String(), "invalid")
		return nil, errors.WrapTransient(err, "configstore", "LoadRemote", "parse config")
	}
	s.metrics.RecordConfigLoad(SourceRemote.String(), "ok")

	if err := s.Save(ctx, cfg); err != nil {
		s.logger.Warn("Config not cached", "error", err)
	}
	s.logger.Debug("Config loaded",
		"revision", cfg.Server.Revision,
		"version", cfg.Server.Version,
		"expires_at", cfg.ExpiresAt)
	return cfg, nil
}

// Save caches cfg until it expires.
func (s *Store) Save(ctx context.Context, cfg *Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return errors.WrapInvalid(err, "configstore", "Save", "encode config")
	}
	var ttl time.Duration
	if !cfg.ExpiresAt.IsZero() {
		ttl = cfg.ExpiresAt.Sub(s.clock.Now())
		if ttl <= 0 {
			return s.Clear(ctx)
		}
	}
	if err := s.kv.Set(ctx, s.key(keyConfig), data, ttl); err != nil {
		return errors.WrapTransient(err, "configstore", "Save", "store config")
	}
	return nil
}

// Clear drops the cached config.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, s.key(keyConfig)); err != nil {
		return errors.WrapTransient(err, "configstore", "Clear", "delete config")
	}
	return nil
}

// IsStale reports whether cfg must be reloaded before use.
func (s *Store) IsStale(cfg *Config) bool {
	if cfg == nil || cfg.Invalidated {
		return true
	}
	return !cfg.ExpiresAt.IsZero() && s.clock.Now().After(cfg.ExpiresAt)
}

// LoadSession returns the persisted session or an empty one.
func (s *Store) LoadSession(ctx context.Context) (Session, error) {
	data, err := s.kv.Get(ctx, s.key(keySession))
	if errors.Is(err, errors.ErrKeyNotFound) {
		return Session{}, nil
	}
	if err != nil {
		return Session{}, errors.WrapTransient(err, "configstore", "LoadSession", "read session")
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, errors.WrapInvalid(err, "configstore", "LoadSession", "decode session")
	}
	return sess, nil
}

// SaveSession persists sess.
func (s *Store) SaveSession(ctx context.Context, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return errors.WrapInvalid(err, "configstore", "SaveSession", "encode session")
	}
	if err := s.kv.Set(ctx, s.key(keySession), data, sessionTTL); err != nil {
		return errors.WrapTransient(err, "configstore", "SaveSession", "store session")
	}
	return nil
}

// ClearSession drops the persisted session.
func (s *Store) ClearSession(ctx context.Context) error {
	if err := s.kv.Delete(ctx, s.key(keySession)); err != nil {
		return errors.WrapTransient(err, "configstore", "ClearSession", "delete session")
	}
	return nil
}

// SocketBlocked reports whether the websocket was remembered as blocked.
func (s *Store) SocketBlocked(ctx context.Context) bool {
	_, err := s.kv.Get(ctx, s.key(keySocketBlocked))
	return err == nil
}

// SetSocketBlocked remembers the websocket as blocked for ttl.
func (s *Store) SetSocketBlocked(ctx context.Context, ttl time.Duration) error {
	stamp := []byte(s.clock.Now().UTC().Format(time.RFC3339))
	if err := s.kv.Set(ctx, s.key(keySocketBlocked), stamp, ttl); err != nil {
		return errors.WrapTransient(err, "configstore", "SetSocketBlocked", "store flag")
	}
	return nil
}

// ClearSocketBlocked forgets the blocked flag.
func (s *Store) ClearSocketBlocked(ctx context.Context) error {
	if err := s.kv.Delete(ctx, s.key(keySocketBlocked)); err != nil && !errors.Is(err, errors.ErrKeyNotFound) {
		return errors.WrapTransient(err, "configstore", "ClearSocketBlocked", "delete flag")
	}
	return nil
}
