package pullclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/channel"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/configstore"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/message"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/transport"
)

// JSON-RPC methods of the push server.
const (
	rpcPublish                 = "publish"
	rpcGetUsersLastSeen        = "getUsersLastSeen"
	rpcPing                    = "ping"
	rpcListChannels            = "listChannels"
	rpcSubscribeStatusChange   = "subscribeStatusChange"
	rpcUnsubscribeStatusChange = "unsubscribeStatusChange"

	rpcIncomingMessage  = "incoming.message"
	rpcUserStatusChange = "user.status.change"
)

// queuedSend is a send waiting for the client to come online. It is
// settled exactly once: by running, by overflow, by its caller giving up
// or by Stop.
type queuedSend struct {
	send    func() error
	once    sync.Once
	settled atomic.Bool
	done    chan error
}

func newQueuedSend(send func() error) *queuedSend {
	return &queuedSend{send: send, done: make(chan error, 1)}
}

func (q *queuedSend) finish(err error) {
	q.once.Do(func() {
		q.settled.Store(true)
		q.done <- err
	})
}

// dispatch runs send now when online. Otherwise it queues send until the
// next open when queuing is enabled and fails with ErrNotOnline when not.
func (c *Client) dispatch(ctx context.Context, op string, send func() error) error {
	if c.closed.Load() {
		return errors.WrapFatal(errors.ErrShuttingDown, "pullclient", op, "check client")
	}
	if c.Status() == StatusOnline {
		return send()
	}
	if c.queue == nil || !c.started.Load() {
		return errors.WrapTransient(errors.ErrNotOnline, "pullclient", op, "check status")
	}

	q := newQueuedSend(send)
	if err := c.queue.Write(q); err != nil {
		return errors.WrapTransient(err, "pullclient", op, "queue send")
	}
	c.metrics.RecordQueue(c.queue.Size(), 0)
	c.loop.post(c.flushQueue)

	select {
	case err := <-q.done:
		return err
	case <-ctx.Done():
		q.finish(ctx.Err())
		return errors.WrapTransient(ctx.Err(), "pullclient", op, "wait for queued send")
	}
}

// flushQueue runs the queued sends in order, off the loop. Sends queued
// after the run ended are rejected.
func (c *Client) flushQueue() {
	if c.queue != nil && !c.autoReconnect {
		c.rejectQueued(errors.WrapTransient(errors.ErrNotOnline, "pullclient", "flushQueue", "run ended"))
		return
	}
	if c.queue == nil || c.flushing || c.Status() != StatusOnline || c.queue.IsEmpty() {
		return
	}
	items := c.queue.Drain()
	c.metrics.RecordQueue(0, 0)
	c.flushing = true
	c.logger.Debug("Flushing queued sends", "count", len(items))

	go func() {
		for _, q := range items {
			if q.settled.Load() {
				continue
			}
			q.finish(q.send())
		}
		c.loop.post(func() {
			c.flushing = false
			c.flushQueue()
		})
	}()
}

// rejectQueued settles every queued send with err.
func (c *Client) rejectQueued(err error) {
	if c.queue == nil {
		return
	}
	items := c.queue.Drain()
	for _, q := range items {
		q.finish(err)
	}
	if len(items) > 0 {
		c.metrics.RecordQueue(0, 0)
		c.logger.Debug("Rejected queued sends", "count", len(items))
	}
}

// SendMessage publishes a message to the given users. JSON-RPC servers
// route it themselves; older servers need the users' public channels,
// which are resolved and refreshed as needed.
func (c *Client) SendMessage(ctx context.Context, userIDs []int64, moduleID, command string, params any, expirySeconds int) error {
	msg := message.Publish{ModuleID: moduleID, Command: command, Params: params, ExpirySeconds: expirySeconds}
	if err := msg.Validate(); err != nil {
		return errors.WrapInvalid(err, "pullclient", "SendMessage", "validate message")
	}
	if len(userIDs) == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: no recipients", errors.ErrInvalidData), "pullclient", "SendMessage", "check recipients")
	}

	return c.dispatch(ctx, "SendMessage", func() error {
		snap := c.state()
		if snap.caps.JSONRPC {
			p, err := message.RPCPublishToUsers(userIDs, msg)
			if err != nil {
				return errors.WrapInvalid(err, "pullclient", "SendMessage", "build params")
			}
			return c.rpc.Call(ctx, rpcPublish, p, 0, nil)
		}

		channels, err := c.channels.Get(ctx, userIDs)
		if err != nil {
			return err
		}
		if len(channels) == 0 {
			return errors.WrapInvalid(fmt.Errorf("%w: no public channel for users %v", errors.ErrInvalidData, userIDs), "pullclient", "SendMessage", "resolve channels")
		}
		return c.publish(snap, channel.Receivers(channels), msg, "SendMessage")
	})
}

// SendMessageToChannels publishes a message to public channels given by
// their public ids.
func (c *Client) SendMessageToChannels(ctx context.Context, publicIDs []string, moduleID, command string, params any, expirySeconds int) error {
	msg := message.Publish{ModuleID: moduleID, Command: command, Params: params, ExpirySeconds: expirySeconds}
	if err := msg.Validate(); err != nil {
		return errors.WrapInvalid(err, "pullclient", "SendMessageToChannels", "validate message")
	}
	if len(publicIDs) == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: no recipients", errors.ErrInvalidData), "pullclient", "SendMessageToChannels", "check recipients")
	}

	return c.dispatch(ctx, "SendMessageToChannels", func() error {
		snap := c.state()
		if snap.caps.JSONRPC {
			p, err := message.RPCPublishToChannels(publicIDs, msg)
			if err != nil {
				return errors.WrapInvalid(err, "pullclient", "SendMessageToChannels", "build params")
			}
			return c.rpc.Call(ctx, rpcPublish, p, 0, nil)
		}

		receivers := make([]message.Receiver, 0, len(publicIDs))
		for _, id := range publicIDs {
			d, ok := lookupPublic(snap.cfg, id)
			if !ok {
				return errors.WrapInvalid(fmt.Errorf("%w: unknown public channel %s", errors.ErrInvalidData, id), "pullclient", "SendMessageToChannels", "resolve channel")
			}
			d, err := c.channels.EnsureFresh(ctx, d)
			if errors.Is(err, errors.ErrChannelExpired) {
				c.loop.post(func() { c.restartRun(transport.CloseChannelExpired, "public channel expired", true) })
				return err
			}
			if err != nil {
				return err
			}
			pub := d.PublicID
			if pub == "" {
				pub = d.ID
			}
			receivers = append(receivers, message.Receiver{ID: pub, Signature: d.Signature})
		}
		return c.publish(snap, receivers, msg, "SendMessageToChannels")
	})
}

func lookupPublic(cfg *configstore.Config, id string) (configstore.ChannelDescriptor, bool) {
	if cfg == nil {
		return configstore.ChannelDescriptor{}, false
	}
	if d, ok := cfg.PublicChannels[id]; ok {
		return d, true
	}
	for _, d := range cfg.PublicChannels {
		if d.PublicID == id || d.ID == id {
			return d, true
		}
	}
	return configstore.ChannelDescriptor{}, false
}

// publish sends a non-RPC publish frame over the active connector.
func (c *Client) publish(snap snapshot, receivers []message.Receiver, msg message.Publish, op string) error {
	if !snap.caps.PublishEnabled {
		return errors.WrapInvalid(fmt.Errorf("%w: publishing disabled by server", errors.ErrNotSupported), "pullclient", op, "check capabilities")
	}
	conn := snap.conn
	if conn == nil {
		return errors.WrapTransient(errors.ErrNotOnline, "pullclient", op, "check connection")
	}

	binary := snap.caps.BinaryFrames && conn.Kind() == transport.KindSocket
	var payload []byte
	var err error
	if binary {
		payload, err = message.EncodePublishBinary(receivers, msg)
	} else {
		payload, err = message.EncodePublishPlain(receivers, msg)
	}
	if err != nil {
		return errors.WrapInvalid(err, "pullclient", op, "encode message")
	}
	if !conn.Send(payload, binary) {
		return errors.WrapTransient(errors.ErrSendFailed, "pullclient", op, "send frame")
	}
	return nil
}

// rpcCall performs a JSON-RPC round trip, queued while offline when
// queuing is enabled.
func (c *Client) rpcCall(ctx context.Context, method string, params any, timeout time.Duration, out any) error {
	return c.dispatch(ctx, method, func() error {
		if !c.state().caps.JSONRPC {
			return errors.WrapInvalid(fmt.Errorf("%w: %s needs a JSON-RPC server", errors.ErrNotSupported, method), "pullclient", method, "check capabilities")
		}
		return c.rpc.Call(ctx, method, params, timeout, out)
	})
}

// ListChannels returns the server's description of the client's channels.
func (c *Client) ListChannels(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.rpcCall(ctx, rpcListChannels, nil, 0, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetUsersLastSeen returns, per user, the seconds since the user was last
// online. Users currently online are reported as 0.
func (c *Client) GetUsersLastSeen(ctx context.Context, userIDs []int64) (map[int64]int64, error) {
	if len(userIDs) == 0 {
		return map[int64]int64{}, nil
	}
	var raw map[string]int64
	if err := c.rpcCall(ctx, rpcGetUsersLastSeen, map[string]any{"userList": userIDs}, 0, &raw); err != nil {
		return nil, err
	}
	out := make(map[int64]int64, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			c.logger.Debug("Skipping non-numeric user id", "key", k)
			continue
		}
		out[id] = v
	}
	return out, nil
}

// Ping checks the round trip to the server. A timeout of zero uses the
// default RPC timeout.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) error {
	return c.rpcCall(ctx, rpcPing, nil, timeout, nil)
}

// UserStatus is a presence change of a watched user.
type UserStatus struct {
	UserID int64
	Online bool
	// Params holds the notification as received.
	Params map[string]any
}

type statusSub struct {
	cb func(UserStatus)
}

// SubscribeUserStatusChange calls cb on every presence change of userID.
// The server is asked to report the user on the first subscription, or on
// the next open when offline, and again after every reconnect. The returned function unsubscribes; the
// server is told once the last subscriber of the user is gone.
func (c *Client) SubscribeUserStatusChange(ctx context.Context, userID int64, cb func(UserStatus)) (func(context.Context) error, error) {
	if userID <= 0 || cb == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: user id and callback required", errors.ErrInvalidData), "pullclient", "SubscribeUserStatusChange", "validate")
	}
	sub := &statusSub{cb: cb}

	c.statusMu.Lock()
	first := len(c.statusSubs[userID]) == 0
	c.statusSubs[userID] = append(c.statusSubs[userID], sub)
	c.statusMu.Unlock()

	if first && c.Status() == StatusOnline {
		params := map[string]any{"userIds": []int64{userID}}
		if err := c.rpcCall(ctx, rpcSubscribeStatusChange, params, 0, nil); err != nil {
			c.removeStatusSub(userID, sub)
			return nil, err
		}
	}

	var once sync.Once
	var unsubErr error
	return func(ctx context.Context) error {
		once.Do(func() {
			if c.removeStatusSub(userID, sub) && c.Status() == StatusOnline {
				params := map[string]any{"userIds": []int64{userID}}
				unsubErr = c.rpcCall(ctx, rpcUnsubscribeStatusChange, params, 0, nil)
			}
		})
		return unsubErr
	}, nil
}

// removeStatusSub removes sub and reports whether it was the last one of
// the user.
func (c *Client) removeStatusSub(userID int64, sub *statusSub) bool {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	subs := c.statusSubs[userID]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(c.statusSubs, userID)
		return true
	}
	c.statusSubs[userID] = subs
	return false
}

func (c *Client) notifyUserStatus(st UserStatus) {
	c.statusMu.Lock()
	subs := append([]*statusSub(nil), c.statusSubs[st.UserID]...)
	c.statusMu.Unlock()
	for _, s := range subs {
		s.cb(st)
	}
}

// resubscribeUserStatus asks the server again for every watched user after
// a reconnect.
func (c *Client) resubscribeUserStatus() {
	if !c.caps.JSONRPC {
		return
	}
	c.statusMu.Lock()
	ids := make([]int64, 0, len(c.statusSubs))
	for id := range c.statusSubs {
		ids = append(ids, id)
	}
	c.statusMu.Unlock()
	if len(ids) == 0 {
		return
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	call := c.rpc.Go(rpcSubscribeStatusChange, map[string]any{"userIds": ids}, 0)
	go func() {
		if _, err := call.Result(); err != nil {
			c.logger.Warn("Failed to resubscribe user status", "users", len(ids), "error", err)
		}
	}()
}
