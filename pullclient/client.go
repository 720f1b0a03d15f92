package pullclient

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/channel"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/config"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/configstore"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/dedup"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/health"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/message"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/metric"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/buffer"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/clock"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/retry"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/tlsutil"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/worker"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/restapi"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/rpc"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/subscription"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/transport"
)

// Client keeps a logical push session alive over a websocket or
// long-polling connector and fans the received events out to subscribers.
//
// All connection state is owned by a single loop goroutine. Subscriber
// callbacks run on that goroutine too: they must not block, and must not
// call Close or wait for RPC round trips (SendMessage over JSON-RPC,
// Ping, ListChannels, GetUsersLastSeen) without starting a goroutine.
type Client struct {
	settings *config.Settings
	store    *configstore.Store
	caller   restapi.Caller
	factory  transport.Factory
	lister   channel.Lister
	clock    clock.Clock
	logger   *slog.Logger

	metrics         *metric.Metrics
	metricsRegistry *metric.MetricsRegistry

	clientID string
	backoff  retry.Backoff

	loop     *loop
	timers   *timerSet
	subs     *subscription.Registry
	rpc      *rpc.Adapter
	dedup    *dedup.Window
	channels *channel.Manager
	queue    buffer.Buffer[*queuedSend]
	health   *health.Monitor
	writer   *worker.Pool[persistJob]

	status  atomic.Int32
	started atomic.Bool
	closed  atomic.Bool

	// Loop-owned run state.
	run           uint64
	runCtx        context.Context
	runCancel     context.CancelFunc
	autoReconnect bool
	announced     Status
	cfg           *configstore.Config
	caps          configstore.Capabilities
	source        string
	decoder       *message.Decoder
	conn          transport.Connector
	connOpened    bool
	handover      transport.Connector
	retiring      transport.Connector
	inbound       transport.Kind
	attempt       int
	socketFails   int
	socketBlocked bool
	forceReload   bool
	loading       bool
	flushing      bool
	revalidated   bool
	resumed       bool
	session       configstore.Session

	// State shared with caller goroutines.
	mu   sync.RWMutex
	snap snapshot

	watchMu   sync.Mutex
	watchTags map[string]struct{}

	statusMu   sync.Mutex
	statusSubs map[int64][]*statusSub
}

// snapshot is the loop state visible to caller goroutines.
type snapshot struct {
	cfg           *configstore.Config
	caps          configstore.Capabilities
	conn          transport.Connector
	session       configstore.Session
	attempt       int
	socketBlocked bool
}

// New creates a stopped client. store persists config and session state;
// caller is the REST primitive used for config loads, watch extension and
// channel listing.
func New(settings *config.Settings, store *configstore.Store, caller restapi.Caller, opts ...Option) (*Client, error) {
	if store == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: config store", errors.ErrMissingConfig), "pullclient", "New", "check store")
	}
	if settings == nil {
		settings = config.Default()
	}

	c := &Client{
		settings:   settings.Clone(),
		store:      store,
		caller:     caller,
		clock:      clock.Real(),
		logger:     slog.Default(),
		health:     health.NewMonitor(),
		watchTags:  make(map[string]struct{}),
		statusSubs: make(map[int64][]*statusSub),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "pullclient", "New", "apply option")
		}
	}
	c.logger = c.logger.With("component", "pullclient")

	c.clientID = c.settings.Transport.ClientID
	if c.clientID == "" {
		c.clientID = uuid.NewString()
	}
	c.backoff = c.settings.Reconnect.Backoff()

	if c.factory == nil {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(c.settings.TLS.Client())
		if err != nil {
			return nil, err
		}
		c.factory = transport.NewFactory(transport.Options{
			HandshakeTimeout: c.settings.Transport.HandshakeTimeout,
			PollTimeout:      c.settings.Transport.PollTimeout,
			UserAgent:        c.settings.Transport.UserAgent,
			TLSConfig:        tlsConfig,
			Logger:           c.logger,
		})
	}
	if c.lister == nil && caller != nil {
		c.lister = channel.RESTLister{Caller: caller, Method: c.settings.REST.ChannelListMethod}
	}

	var err error
	var dedupOpts []dedup.Option
	channelOpts := []channel.Option{channel.WithClock(c.clock), channel.WithLogger(c.logger)}
	if c.metricsRegistry != nil {
		dedupOpts = append(dedupOpts, dedup.WithMetrics(c.metricsRegistry))
		channelOpts = append(channelOpts, channel.WithMetrics(c.metricsRegistry))
	}
	if c.dedup, err = dedup.New(c.settings.Dedup.Size, dedupOpts...); err != nil {
		return nil, err
	}
	if c.channels, err = channel.New(c.lister, channelOpts...); err != nil {
		return nil, err
	}
	if c.settings.Queue.Enabled {
		queueOpts := []buffer.Option[*queuedSend]{
			buffer.WithOverflowPolicy[*queuedSend](buffer.DropOldest),
			buffer.WithDropCallback[*queuedSend](func(q *queuedSend) {
				c.metrics.RecordQueue(c.queue.Size(), 1)
				q.finish(errors.WrapTransient(errors.ErrQueueOverflow, "pullclient", "SendMessage", "queue send"))
			}),
		}
		if c.metricsRegistry != nil {
			queueOpts = append(queueOpts, buffer.WithMetrics[*queuedSend](c.metricsRegistry, "outbound_queue"))
		}
		if c.queue, err = buffer.NewCircularBuffer[*queuedSend](c.settings.Queue.Size, queueOpts...); err != nil {
			return nil, errors.WrapInvalid(err, "pullclient", "New", "create outbound queue")
		}
	}

	c.subs = subscription.NewRegistry(c.logger)
	c.rpc = rpc.NewAdapter(
		rpc.WithClock(c.clock),
		rpc.WithLogger(c.logger),
		rpc.WithMetrics(c.metrics),
		rpc.WithDefaultTimeout(c.settings.RPC.Timeout),
	)
	c.rpc.Handle(rpcIncomingMessage, c.handleIncomingRPC)
	c.rpc.Handle(rpcUserStatusChange, c.handleUserStatusRPC)

	c.writer = c.newWriter()
	if err := c.writer.Start(context.Background()); err != nil {
		return nil, errors.WrapFatal(err, "pullclient", "New", "start writer")
	}

	c.loop = newLoop()
	c.timers = newTimerSet(c.clock, c.loop.post)
	c.decoder = c.newDecoder(0)
	c.loop.start()
	return c, nil
}

func (c *Client) newDecoder(shift time.Duration) *message.Decoder {
	return message.NewDecoder(
		message.WithClock(c.clock),
		message.WithLogger(c.logger),
		message.WithTimeShift(shift),
	)
}

// ClientID returns the instance id sent to the server.
func (c *Client) ClientID() string { return c.clientID }

// Start begins a run. A nil cfg loads the config from the store, fetching
// it from the server when the cached copy is missing or stale. Start
// returns once the run is scheduled; progress is reported through the
// Status category.
func (c *Client) Start(cfg *configstore.Config) error {
	if c.closed.Load() {
		return errors.WrapFatal(errors.ErrShuttingDown, "pullclient", "Start", "check client")
	}
	if cfg != nil {
		if err := cfg.Validate(); err != nil {
			return errors.WrapInvalid(err, "pullclient", "Start", "validate config")
		}
		cfg = cfg.Clone()
	}
	if !c.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "pullclient", "Start", "check state")
	}
	if !c.loop.post(func() { c.startRun(cfg, false) }) {
		c.started.Store(false)
		return errors.WrapFatal(errors.ErrShuttingDown, "pullclient", "Start", "schedule run")
	}
	return nil
}

// Stop ends the run: auto-reconnect is disabled, the connector closes with
// code and reason, every timer is cancelled and pending RPC calls and
// queued sends fail with ErrCancelled. Stopping a stopped client is a
// no-op unless the server ended its run and something is still pending.
func (c *Client) Stop(code int, reason string) {
	if code == 0 {
		code = transport.CloseManual
	}
	if c.started.CompareAndSwap(true, false) {
		c.loop.post(func() { c.stopRun(code, reason) })
		return
	}
	c.loop.post(func() {
		if !c.started.Load() && c.holdsRunState() {
			c.stopRun(code, reason)
		}
	})
}

// holdsRunState reports whether a connector, pending call or queued send
// outlived the run.
func (c *Client) holdsRunState() bool {
	return c.conn != nil || c.handover != nil || c.retiring != nil ||
		c.rpc.Pending() > 0 || (c.queue != nil && !c.queue.IsEmpty())
}

// Restart reconnects with a freshly loaded config and a new session. It
// starts a stopped client.
func (c *Client) Restart(code int, reason string) error {
	if c.closed.Load() {
		return errors.WrapFatal(errors.ErrShuttingDown, "pullclient", "Restart", "check client")
	}
	if c.started.CompareAndSwap(false, true) {
		if !c.loop.post(func() { c.startRun(nil, true) }) {
			return errors.WrapFatal(errors.ErrShuttingDown, "pullclient", "Restart", "schedule run")
		}
		return nil
	}
	if code == 0 {
		code = transport.CloseNormal
	}
	c.loop.post(func() {
		c.session = configstore.Session{}
		c.dedup.Reset()
		c.restartRun(code, reason, true)
	})
	return nil
}

// Close stops the client for good and waits for its loop to exit. The
// status becomes Disabled.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.started.Store(false)
	c.loop.post(func() {
		c.stopRun(transport.CloseNormal, "client closed")
		c.setStatus(StatusDisabled)
		c.announceStatus()
	})
	c.loop.close()

	if c.queue != nil {
		for _, q := range c.queue.Drain() {
			q.finish(errors.WrapFatal(errors.ErrShuttingDown, "pullclient", "Close", "drain queue"))
		}
		_ = c.queue.Close()
	}
	if err := c.writer.Stop(c.settings.REST.Timeout); err != nil {
		c.logger.Warn("Pending writes not flushed", "error", err)
	}
	c.rpc.CancelAll(errors.ErrShuttingDown)
	c.subs.Clear()
	c.logger.Info("Client closed", "client_id", c.clientID)
	return nil
}

// Subscribe registers a subscriber; see subscription.Options.
func (c *Client) Subscribe(opts subscription.Options) (func(), error) {
	return c.subs.Subscribe(opts)
}

// DebugInfo is an introspection snapshot of a client.
type DebugInfo struct {
	ClientID      string                   `json:"client_id"`
	Status        string                   `json:"status"`
	Transport     string                   `json:"transport,omitempty"`
	Config        *configstore.Config      `json:"config,omitempty"`
	Capabilities  configstore.Capabilities `json:"capabilities"`
	Session       configstore.Session      `json:"session"`
	Attempt       int                      `json:"attempt"`
	SocketBlocked bool                     `json:"socket_blocked"`
	PendingRPC    int                      `json:"pending_rpc"`
	QueueDepth    int                      `json:"queue_depth"`
	Watching      []string                 `json:"watching,omitempty"`
	Subscriptions int                      `json:"subscriptions"`
}

// Debug returns the current config, session and connection details.
func (c *Client) Debug() DebugInfo {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()

	info := DebugInfo{
		ClientID:      c.clientID,
		Status:        c.Status().String(),
		Config:        snap.cfg.Clone(),
		Capabilities:  snap.caps,
		Session:       snap.session.Clone(),
		Attempt:       snap.attempt,
		SocketBlocked: snap.socketBlocked,
		PendingRPC:    c.rpc.Pending(),
		Watching:      c.watching(),
		Subscriptions: c.subs.Len(),
	}
	if snap.conn != nil {
		info.Transport = snap.conn.Kind().String()
	}
	if c.queue != nil {
		info.QueueDepth = c.queue.Size()
	}
	return info
}

// publishState copies the loop state into the snapshot read by caller
// goroutines.
func (c *Client) publishState() {
	session := c.session.Clone()
	session.RecentMessageIDs = c.dedup.IDs()

	c.mu.Lock()
	c.snap = snapshot{
		cfg:           c.cfg,
		caps:          c.caps,
		conn:          c.conn,
		session:       session,
		attempt:       c.attempt,
		socketBlocked: c.socketBlocked,
	}
	c.mu.Unlock()
}

func (c *Client) state() snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

func (c *Client) watching() []string {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	tags := make([]string, 0, len(c.watchTags))
	for tag := range c.watchTags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
