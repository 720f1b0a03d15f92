// Package channel resolves and refreshes public channel descriptors, the
// signed addresses needed to publish to other users.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/configstore"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/message"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/metric"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/cache"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/clock"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/restapi"
)

// DefaultListMethod is the REST method listing public channels.
const DefaultListMethod = "pull.channel.public.list"

const (
	defaultCacheSize     = 1000
	defaultRefreshMargin = 30 * time.Second
)

// Lister fetches the current public channels of users.
type Lister interface {
	ListChannels(ctx context.Context, userIDs []int64) (map[int64]configstore.ChannelDescriptor, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func(ctx context.Context, userIDs []int64) (map[int64]configstore.ChannelDescriptor, error)

// ListChannels calls f.
func (f ListerFunc) ListChannels(ctx context.Context, userIDs []int64) (map[int64]configstore.ChannelDescriptor, error) {
	return f(ctx, userIDs)
}

// RESTLister lists channels through a REST method.
type RESTLister struct {
	Caller restapi.Caller
	Method string
}

// ListChannels implements Lister.
func (l RESTLister) ListChannels(ctx context.Context, userIDs []int64) (map[int64]configstore.ChannelDescriptor, error) {
	method := l.Method
	if method == "" {
		method = DefaultListMethod
	}
	var raw json.RawMessage
	if err := l.Caller.Call(ctx, method, map[string]any{"USERS": userIDs}, &raw); err != nil {
		return nil, errors.WrapTransient(err, "channel", "ListChannels", "call "+method)
	}
	byKey, err := configstore.DecodeChannels(raw)
	if err != nil {
		return nil, errors.WrapInvalid(err, "channel", "ListChannels", "decode channels")
	}

	out := make(map[int64]configstore.ChannelDescriptor, len(byKey))
	for key, d := range byKey {
		userID := d.UserID
		if userID == 0 {
			userID, _ = strconv.ParseInt(key, 10, 64)
		}
		if userID == 0 {
			continue
		}
		d.UserID = userID
		out[userID] = d
	}
	return out, nil
}

// Manager caches public channel descriptors by user and refreshes them
// before they expire.
type Manager struct {
	lister Lister
	cache  cache.Cache[configstore.ChannelDescriptor]
	clock  clock.Clock
	logger *slog.Logger
	margin time.Duration
}

// Option configures a Manager.
type Option func(*managerOptions)

type managerOptions struct {
	clock     clock.Clock
	logger    *slog.Logger
	size      int
	margin    time.Duration
	registrar metric.MetricsRegistrar
}

// WithClock sets the clock used for validity checks.
func WithClock(c clock.Clock) Option { return func(o *managerOptions) { o.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *managerOptions) { o.logger = l } }

// WithCacheSize bounds the number of cached users.
func WithCacheSize(n int) Option { return func(o *managerOptions) { o.size = n } }

// WithRefreshMargin refreshes descriptors that expire within d.
func WithRefreshMargin(d time.Duration) Option { return func(o *managerOptions) { o.margin = d } }

// WithMetrics exports cache statistics.
func WithMetrics(r metric.MetricsRegistrar) Option { return func(o *managerOptions) { o.registrar = r } }

// New creates a Manager backed by lister.
func New(lister Lister, opts ...Option) (*Manager, error) {
	o := managerOptions{
		clock:  clock.Real(),
		logger: slog.Default(),
		size:   defaultCacheSize,
		margin: defaultRefreshMargin,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var cacheOpts []cache.Option[configstore.ChannelDescriptor]
	if o.registrar != nil {
		cacheOpts = append(cacheOpts, cache.WithMetrics[configstore.ChannelDescriptor](o.registrar, "public_channels"))
	}
	c, err := cache.NewLRU[configstore.ChannelDescriptor](o.size, cacheOpts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "channel", "New", "create channel cache")
	}

	return &Manager{
		lister: lister,
		cache:  c,
		clock:  o.clock,
		logger: o.logger.With("component", "channel"),
		margin: o.margin,
	}, nil
}

func userKey(id int64) string { return strconv.FormatInt(id, 10) }

// Seed stores descriptors delivered with the config.
func (m *Manager) Seed(channels map[string]configstore.ChannelDescriptor) {
	for key, d := range channels {
		userID := d.UserID
		if userID == 0 {
			userID, _ = strconv.ParseInt(key, 10, 64)
		}
		if userID == 0 {
			continue
		}
		d.UserID = userID
		_, _ = m.cache.Set(userKey(userID), d)
	}
}

func (m *Manager) fresh(d configstore.ChannelDescriptor) bool {
	now := m.clock.Now()
	return d.Valid(now) && d.Valid(now.Add(m.margin))
}

// EnsureFresh returns d when it stays valid beyond the refresh margin and
// a refreshed descriptor for the same user otherwise.
func (m *Manager) EnsureFresh(ctx context.Context, d configstore.ChannelDescriptor) (configstore.ChannelDescriptor, error) {
	if m.fresh(d) {
		return d, nil
	}
	if d.UserID == 0 {
		return d, errors.WrapTransient(errors.ErrChannelExpired, "channel", "EnsureFresh", "refresh channel without user")
	}
	got, err := m.refresh(ctx, []int64{d.UserID})
	if err != nil {
		return d, err
	}
	fresh, ok := got[d.UserID]
	if !ok {
		return d, errors.WrapTransient(fmt.Errorf("%w: user %d", errors.ErrChannelExpired, d.UserID),
			"channel", "EnsureFresh", "refresh channel")
	}
	return fresh, nil
}

// Get returns fresh descriptors for userIDs, fetching the missing or
// expiring ones in one call. Users without a channel are absent from the
// result.
func (m *Manager) Get(ctx context.Context, userIDs []int64) (map[int64]configstore.ChannelDescriptor, error) {
	out := make(map[int64]configstore.ChannelDescriptor, len(userIDs))
	var missing []int64
	for _, id := range userIDs {
		if _, seen := out[id]; seen {
			continue
		}
		if d, ok := m.cache.Get(userKey(id)); ok && m.fresh(d) {
			out[id] = d
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	got, err := m.refresh(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, d := range got {
		out[id] = d
	}
	return out, nil
}

func (m *Manager) refresh(ctx context.Context, userIDs []int64) (map[int64]configstore.ChannelDescriptor, error) {
	if m.lister == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "channel", "refresh", "channel lister")
	}
	got, err := m.lister.ListChannels(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]configstore.ChannelDescriptor, len(got))
	for id, d := range got {
		if !d.Valid(m.clock.Now()) {
			m.logger.Warn("Listed channel already expired", "user_id", id)
			continue
		}
		d.UserID = id
		_, _ = m.cache.Set(userKey(id), d)
		out[id] = d
	}
	m.logger.Debug("Public channels refreshed", "requested", len(userIDs), "received", len(out))
	return out, nil
}

// Invalidate drops the cached descriptor of userID.
func (m *Manager) Invalidate(userID int64) {
	_, _ = m.cache.Delete(userKey(userID))
}

// Reset drops every cached descriptor.
func (m *Manager) Reset() {
	_ = m.cache.Clear()
}

// Receivers converts descriptors into publish receivers, ordered by user.
func Receivers(channels map[int64]configstore.ChannelDescriptor) []message.Receiver {
	ids := make([]int64, 0, len(channels))
	for id := range channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]message.Receiver, 0, len(ids))
	for _, id := range ids {
		d := channels[id]
		pub := d.PublicID
		if pub == "" {
			pub = d.ID
		}
		out = append(out, message.Receiver{ID: pub, Signature: d.Signature})
	}
	return out
}
