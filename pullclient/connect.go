package pullclient

import (
	"context"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/configstore"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/subscription"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/transport"
)

// Timer names.
const (
	timerReconnect = "reconnect"
	timerRestore   = "restore_socket"
	timerPing      = "ping"
	timerWatch     = "watch"
	timerSession   = "session"
)

// eventHandler moves connector events onto the loop.
type eventHandler struct{ c *Client }

func (h eventHandler) OnOpen(conn transport.Connector) {
	h.c.loop.post(func() { h.c.onOpen(conn) })
}

func (h eventHandler) OnMessage(conn transport.Connector, f transport.Frame) {
	h.c.loop.post(func() { h.c.onMessage(conn, f) })
}

func (h eventHandler) OnError(conn transport.Connector, err error) {
	h.c.loop.post(func() { h.c.onError(conn, err) })
}

func (h eventHandler) OnClose(conn transport.Connector, code int, reason string) {
	h.c.loop.post(func() { h.c.onClose(conn, code, reason) })
}

// startRun begins a new run. The first run of a client restores the
// persisted session; later runs start from an empty one. reload fetches
// the config from the server before the first connect.
func (c *Client) startRun(cfg *configstore.Config, reload bool) {
	c.run++
	if c.runCancel != nil {
		c.runCancel()
	}
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	c.autoReconnect = true
	c.attempt = 0
	c.socketFails = 0
	c.revalidated = false
	c.loading = false
	if c.resumed {
		c.session = configstore.Session{}
		c.dedup.Reset()
	}
	if cfg != nil {
		c.applyConfig(cfg, "provided")
	}
	c.forceReload = reload

	c.logger.Info("Starting client", "client_id", c.clientID, "config_provided", cfg != nil, "reload_config", reload)
	c.setStatus(StatusConnecting)
	c.publishState()
	c.connect()
}

// stopRun tears the run down: no timer, connector, pending call or queued
// send survives it.
func (c *Client) stopRun(code int, reason string) {
	c.run++
	c.autoReconnect = false
	c.loading = false
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
	c.timers.cancelAll()
	c.dropConnections(code, reason)

	cancelled := errors.WrapFatal(errors.ErrCancelled, "pullclient", "Stop", "stop client")
	if n := c.rpc.CancelAll(cancelled); n > 0 {
		c.logger.Debug("Cancelled pending RPC calls", "count", n)
	}
	c.rejectQueued(cancelled)
	c.attempt = 0
	c.saveSession()

	c.setStatus(StatusOffline)
	c.announceStatus()
	c.publishState()
	c.logger.Info("Client stopped", "code", code, "reason", reason)
}

// restartRun reconnects within the current run, optionally reloading the
// config first.
func (c *Client) restartRun(code int, reason string, reload bool) {
	if !c.autoReconnect {
		return
	}
	c.logger.Info("Restarting connection", "code", code, "reason", reason, "reload_config", reload)
	c.teardown(code, reason)
	if reload {
		c.forceReload = true
	}
	c.setStatus(StatusConnecting)
	c.publishState()
	c.connect()
}

// restartAfter is restartRun with a forced reload and a delayed
// reconnect.
func (c *Client) restartAfter(code int, reason string, delay time.Duration) {
	if !c.autoReconnect {
		return
	}
	c.logger.Info("Restarting connection", "code", code, "reason", reason, "delay", delay)
	c.teardown(code, reason)
	c.forceReload = true
	c.reconnectAfter(delay)
}

// teardown closes the connectors of a run that goes on.
func (c *Client) teardown(code int, reason string) {
	for _, name := range []string{timerReconnect, timerRestore, timerPing, timerWatch} {
		c.timers.cancel(name)
	}
	c.dropConnections(code, reason)
	c.rpc.CancelAll(errors.WrapTransient(errors.ErrConnectionLost, "pullclient", "Restart", reason))
}

// dropConnections detaches and closes every connector. Their close events
// arrive later and are ignored.
func (c *Client) dropConnections(code int, reason string) {
	conns := []transport.Connector{c.conn, c.handover, c.retiring}
	c.conn, c.handover, c.retiring = nil, nil, nil
	c.connOpened = false
	c.rpc.SetSender(nil)
	for _, conn := range conns {
		if conn != nil {
			conn.Disconnect(code, reason)
		}
	}
}

// prepared is the outcome of the blocking part of a connect.
type prepared struct {
	cfg     *configstore.Config
	source  string
	blocked bool
	session *configstore.Session
	err     error
}

// prepare loads what a connect needs off the loop: the config when it is
// missing, stale or a reload is forced, the socket-blocked flag and, once
// per client, the persisted session.
func (c *Client) prepare() {
	if c.loading {
		return
	}
	c.loading = true

	run, ctx := c.run, c.runCtx
	reload := c.forceReload
	needConfig := reload || !c.usable(c.cfg)
	restore := !c.resumed
	c.resumed = true

	go func() {
		var res prepared
		switch {
		case reload:
			res.cfg, res.err = c.store.LoadRemote(ctx)
			res.source = configstore.SourceRemote.String()
		case needConfig:
			var source configstore.Source
			res.cfg, source, res.err = c.store.Load(ctx)
			res.source = source.String()
		}
		if res.err == nil {
			res.blocked = c.store.SocketBlocked(ctx)
			if restore {
				sess, err := c.store.LoadSession(ctx)
				if err != nil {
					c.logger.Warn("Failed to restore session", "error", err)
				} else {
					res.session = &sess
				}
			}
		}
		c.loop.post(func() { c.onPrepared(run, res) })
	}()
}

func (c *Client) onPrepared(run uint64, res prepared) {
	if run != c.run {
		return
	}
	c.loading = false

	if res.err != nil {
		if res.source == "" {
			res.source = "store"
		}
		c.metrics.RecordConfigLoad(res.source, "error")
		c.metrics.RecordError("configstore", errors.Classify(res.err).String())
		c.logger.Warn("Config load failed", "error", res.err, "attempt", c.attempt)
		c.health.UpdateDegraded("config", "load from "+res.source+" failed")
		c.scheduleReconnect()
		return
	}
	if res.cfg != nil {
		c.metrics.RecordConfigLoad(res.source, "ok")
		c.health.UpdateHealthy("config", "loaded from "+res.source)
		c.applyConfig(res.cfg, res.source)
	}
	c.socketBlocked = c.socketBlocked || res.blocked
	if res.session != nil && res.session.MessageID != "" {
		c.session = res.session.Clone()
		c.dedup.Restore(res.session.RecentMessageIDs)
		c.logger.Debug("Session restored", "message_id", c.session.MessageID, "recent", len(res.session.RecentMessageIDs))
	}
	c.publishState()
	c.connect()
}

// applyConfig makes cfg the active config and resolves its capabilities.
func (c *Client) applyConfig(cfg *configstore.Config, source string) {
	c.cfg = cfg
	c.source = source
	c.caps = cfg.Capabilities(c.settings.Transport.SocketEnabled, c.settings.Transport.Secure)
	c.decoder = c.newDecoder(cfg.Server.TimeShift)
	c.channels.Seed(cfg.PublicChannels)
	c.forceReload = false
	if source == configstore.SourceRemote.String() {
		c.revalidated = true
	}
	c.checkClientRevision(cfg)
	c.logger.Debug("Config applied",
		"source", source,
		"revision", cfg.Server.Revision,
		"version", cfg.Server.Version,
		"socket", c.caps.SocketEnabled,
		"json_rpc", c.caps.JSONRPC)
}

// checkClientRevision reports a server newer than this client.
func (c *Client) checkClientRevision(cfg *configstore.Config) {
	client := c.settings.Revision.Client
	if c.settings.Revision.SkipCheck || client <= 0 || cfg.Server.Revision <= client {
		return
	}
	c.logger.Warn("Client revision is outdated", "client_revision", client, "server_revision", cfg.Server.Revision)
	c.subs.Publish(subscription.Notification{
		Category: subscription.Revision,
		Command:  "client_outdated",
		Params:   map[string]any{"revision": cfg.Server.Revision, "client_revision": client},
	})
}

// usable reports whether cfg is fresh and its private channel valid.
func (c *Client) usable(cfg *configstore.Config) bool {
	if c.store.IsStale(cfg) || cfg.Channels.Private == nil {
		return false
	}
	return cfg.Channels.Private.Valid(c.clock.Now())
}

// connect opens a connector for the active config, preparing it first when
// needed.
func (c *Client) connect() {
	if !c.autoReconnect || c.conn != nil {
		return
	}
	if c.forceReload || !c.usable(c.cfg) {
		c.prepare()
		return
	}

	var kind transport.Kind
	switch {
	case c.caps.SocketEnabled && !c.socketBlocked:
		kind = transport.KindSocket
	case c.caps.PollingEnabled:
		kind = transport.KindPolling
	case c.caps.SocketEnabled:
		kind = transport.KindSocket
	default:
		c.logger.Error("Config offers no usable transport", "revision", c.cfg.Server.Revision)
		c.forceReload = true
		c.scheduleReconnect()
		return
	}

	c.setStatus(StatusConnecting)
	c.conn = c.openConnector(kind)
	c.connOpened = false
	c.publishState()
}

func (c *Client) openConnector(kind transport.Kind) transport.Connector {
	conn := c.factory.NewConnector(kind, eventHandler{c})
	target := c.target(kind)
	c.metrics.RecordConnectAttempt(kind.String())
	c.logger.Info("Connecting", "transport", kind.String(), "attempt", c.attempt)
	conn.Connect(c.runCtx, target)
	return conn
}

// target builds the connect target for kind from the active config. The
// polling URL is rebuilt for every request from the session cursor.
func (c *Client) target(kind transport.Kind) transport.Target {
	cfg, caps := c.cfg, c.caps
	t := transport.Target{}
	if caps.PublishEnabled {
		t.PublishURL = cfg.PublishURL(caps.Secure)
	}
	if kind == transport.KindSocket {
		t.URL = transport.StaticURL(c.connectURL(cfg.SocketURL(caps.Secure), cfg, caps, false))
		return t
	}
	base := cfg.PollURL(caps.Secure)
	t.URL = func() string { return c.connectURL(base, cfg, caps, true) }
	return t
}

// connectURL adds the channel and cursor parameters to base. It reads the
// cursor from the snapshot and is safe to call from any goroutine.
func (c *Client) connectURL(base string, cfg *configstore.Config, caps configstore.Capabilities, polling bool) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("CHANNEL_ID", strings.Join(cfg.Channels.IDs(), "/"))
	q.Set("clientId", c.clientID)
	if cfg.Server.Revision > 0 {
		q.Set("revision", strconv.Itoa(cfg.Server.Revision))
	}
	switch {
	case caps.JSONRPC:
		q.Set("jsonRpc", "true")
	case caps.BinaryFrames && !polling:
		q.Set("binaryMode", "true")
	}

	sess := c.state().session
	if sess.MessageID != "" {
		q.Set("mid", sess.MessageID)
	}
	if polling {
		if sess.Tag != "" {
			q.Set("tag", sess.Tag)
		}
		if !sess.Time.IsZero() {
			q.Set("time", strconv.FormatInt(sess.Time.Unix(), 10))
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) onOpen(conn transport.Connector) {
	if conn == c.handover {
		c.completeHandover(conn)
		return
	}
	if conn != c.conn {
		return
	}
	c.connOpened = true
	c.attempt = 0
	if conn.Kind() == transport.KindSocket {
		c.socketFails = 0
	}
	c.timers.cancel(timerReconnect)
	c.logger.Info("Connected", "transport", conn.Kind().String())
	c.becomeOnline(conn)
}

// becomeOnline wires conn as the active connector and starts the online
// duties: liveness, watch, status resubscription, queue flush, socket
// restore and config revalidation.
func (c *Client) becomeOnline(conn transport.Connector) {
	if c.caps.JSONRPC {
		c.rpc.SetSender(func(p []byte) bool { return conn.Send(p, false) })
	}
	c.setStatus(StatusOnline)
	c.publishState()

	c.armLiveness()
	c.scheduleWatch(false)
	c.resubscribeUserStatus()
	c.flushQueue()
	c.scheduleRestoreSocket()
	c.revalidate()
}

// completeHandover promotes a restored socket and retires the polling
// connector. Messages from both pass through dedup until the old one
// closes.
func (c *Client) completeHandover(conn transport.Connector) {
	old := c.conn
	c.conn, c.handover, c.retiring = conn, nil, old
	c.connOpened = true
	c.socketFails = 0
	c.timers.cancel(timerRestore)
	if c.socketBlocked {
		c.socketBlocked = false
		c.persistSocketBlocked(0)
	}
	c.logger.Info("Socket restored, retiring polling")
	if old != nil {
		old.Disconnect(transport.CloseNormal, "socket restored")
	}
	c.becomeOnline(conn)
}

func (c *Client) onError(conn transport.Connector, err error) {
	if conn != c.conn && conn != c.handover {
		return
	}
	c.metrics.RecordError("transport", errors.Classify(err).String())
	c.logger.Warn("Transport error", "transport", conn.Kind().String(), "error", err)
}

func (c *Client) onClose(conn transport.Connector, code int, reason string) {
	switch conn {
	case c.retiring:
		c.retiring = nil
		return
	case c.handover:
		c.handover = nil
		c.logger.Info("Socket restore failed", "code", code, "reason", reason)
		c.noteSocketFailure()
		c.scheduleRestoreSocket()
		return
	case c.conn:
	default:
		return
	}

	kind, opened := conn.Kind(), c.connOpened
	c.conn, c.connOpened = nil, false
	c.rpc.SetSender(nil)
	if n := c.rpc.CancelAll(errors.WrapTransient(errors.ErrConnectionLost, "pullclient", "onClose", "close connection")); n > 0 {
		c.logger.Debug("Rejected pending RPC calls", "count", n)
	}
	for _, name := range []string{timerPing, timerWatch, timerRestore} {
		c.timers.cancel(name)
	}
	if c.handover != nil {
		h := c.handover
		c.handover = nil
		h.Disconnect(transport.CloseNormal, "connection lost")
	}

	c.metrics.RecordDisconnect(kind.String(), transport.CloseCodeName(code))
	c.logger.Info("Connection closed", "transport", kind.String(), "code", code, "reason", reason)
	if kind == transport.KindSocket && !opened {
		c.noteSocketFailure()
	}

	if !c.autoReconnect {
		c.setStatus(StatusOffline)
		c.publishState()
		return
	}

	switch code {
	case transport.CloseNormal, transport.CloseManual:
		c.autoReconnect = false
		c.started.Store(false)
		c.rejectQueued(errors.WrapTransient(errors.ErrConnectionLost, "pullclient", "onClose", "server closed connection"))
		c.setStatus(StatusOffline)
		c.publishState()
	case transport.CloseConfigReplaced:
		c.reconnectAfter(0)
	case transport.CloseServerRestart:
		c.forceReload = true
		c.reconnectAfter(c.restartDelay())
	case transport.CloseChannelExpired, transport.CloseConfigExpired, transport.CloseWrongChannelID:
		c.forceReload = true
		c.scheduleReconnect()
	default:
		c.scheduleReconnect()
	}
}

// scheduleReconnect counts a failed attempt and reconnects after the
// backoff delay for it.
func (c *Client) scheduleReconnect() {
	delay := c.backoff.Delay(c.attempt)
	c.attempt++
	c.logger.Info("Reconnect scheduled", "attempt", c.attempt, "delay", delay)
	c.reconnectAfter(delay)
}

func (c *Client) reconnectAfter(delay time.Duration) {
	c.setStatus(StatusConnecting)
	c.publishState()
	c.timers.schedule(timerReconnect, delay, c.connect)
}

// restartDelay spreads reconnects after a server restart.
func (c *Client) restartDelay() time.Duration {
	maxDelay := c.settings.Reconnect.ServerRestartMaxDelay
	if maxDelay <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(maxDelay)))
}

// noteSocketFailure counts a socket that closed without opening. Past the
// threshold the socket is remembered as blocked and polling takes over.
func (c *Client) noteSocketFailure() {
	c.socketFails++
	if c.socketBlocked || c.socketFails < c.settings.Transport.SocketBlockThreshold {
		return
	}
	c.socketBlocked = true
	c.logger.Warn("Websocket looks blocked, falling back to polling", "failures", c.socketFails)
	c.persistSocketBlocked(c.settings.Transport.SocketBlockTTL)
}

// scheduleRestoreSocket plans a socket attempt while polling is active.
func (c *Client) scheduleRestoreSocket() {
	if c.conn == nil || c.conn.Kind() != transport.KindPolling || !c.caps.SocketEnabled || c.handover != nil {
		return
	}
	c.timers.schedule(timerRestore, c.settings.Transport.RestoreSocketInterval, c.restoreSocket)
}

func (c *Client) restoreSocket() {
	if c.Status() != StatusOnline || c.conn == nil || c.conn.Kind() != transport.KindPolling || c.handover != nil {
		return
	}
	c.logger.Info("Trying to restore websocket")
	c.handover = c.openConnector(transport.KindSocket)
}

// revalidate checks a config that did not come from the server in this
// run against a fresh one. A diverging config restarts the connection.
func (c *Client) revalidate() {
	if c.revalidated || c.cfg == nil {
		return
	}
	c.revalidated = true
	run, ctx := c.run, c.runCtx
	go func() {
		fresh, err := c.store.LoadRemote(ctx)
		c.loop.post(func() {
			if run != c.run || c.cfg == nil {
				return
			}
			if err != nil {
				c.metrics.RecordConfigLoad(configstore.SourceRemote.String(), "error")
				c.logger.Warn("Config revalidation failed", "error", err)
				c.health.UpdateDegraded("config", "revalidation failed")
				return
			}
			c.metrics.RecordConfigLoad(configstore.SourceRemote.String(), "ok")
			c.health.UpdateHealthy("config", "revalidated")
			diverged := c.cfg.Diverges(fresh)
			c.applyConfig(fresh, configstore.SourceRemote.String())
			c.publishState()
			if diverged {
				c.logger.Info("Cached config diverged from server", "revision", fresh.Server.Revision)
				c.restartRun(transport.CloseConfigReplaced, "config replaced", false)
			}
		})
	}()
}
