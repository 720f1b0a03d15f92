package pullclient

import (
	"context"
	"sort"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/transport"
)

// Watch adds tag to the watched set and extends it on the server shortly.
func (c *Client) Watch(tag string) {
	if tag == "" {
		return
	}
	c.watchMu.Lock()
	c.watchTags[tag] = struct{}{}
	c.watchMu.Unlock()
	c.UpdateWatch(true)
}

// Unwatch removes tag from the watched set.
func (c *Client) Unwatch(tag string) {
	c.watchMu.Lock()
	delete(c.watchTags, tag)
	c.watchMu.Unlock()
}

// UpdateWatch reschedules the watch extension: after WatchForceInterval
// when force is set, after WatchInterval otherwise.
func (c *Client) UpdateWatch(force bool) {
	c.loop.post(func() { c.scheduleWatch(force) })
}

func (c *Client) scheduleWatch(force bool) {
	if c.Status() != StatusOnline || len(c.watching()) == 0 {
		c.timers.cancel(timerWatch)
		return
	}
	delay := c.settings.Heartbeat.WatchInterval
	if force {
		delay = c.settings.Heartbeat.WatchForceInterval
	}
	c.timers.schedule(timerWatch, delay, c.extendWatch)
}

// extendWatch asks the server to keep the watched tags alive. Tags the
// server answers false for are dropped.
func (c *Client) extendWatch() {
	tags := c.watching()
	if len(tags) == 0 || c.caller == nil {
		return
	}
	run, ctx := c.run, c.runCtx
	method := c.settings.REST.WatchMethod
	timeout := c.settings.REST.Timeout

	go func() {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var result map[string]bool
		err := c.caller.Call(callCtx, method, map[string]any{"TAGS": tags}, &result)
		c.loop.post(func() { c.onWatchExtended(run, result, err) })
	}()
}

func (c *Client) onWatchExtended(run uint64, result map[string]bool, err error) {
	if run != c.run {
		return
	}
	if err != nil {
		c.metrics.RecordWatchExtend("error")
		c.logger.Warn("Watch extension failed", "error", err)
		c.scheduleWatch(false)
		return
	}
	c.metrics.RecordWatchExtend("ok")

	var dropped []string
	c.watchMu.Lock()
	for tag, ok := range result {
		if !ok {
			if _, watched := c.watchTags[tag]; watched {
				delete(c.watchTags, tag)
				dropped = append(dropped, tag)
			}
		}
	}
	c.watchMu.Unlock()
	if len(dropped) > 0 {
		sort.Strings(dropped)
		c.logger.Info("Server dropped watch tags", "tags", dropped)
	}
	c.scheduleWatch(false)
}

// armLiveness restarts the ping window of an active socket. A socket
// silent for twice the ping timeout is treated as stuck.
func (c *Client) armLiveness() {
	conn := c.conn
	if conn == nil || conn.Kind() != transport.KindSocket || !c.connOpened {
		c.timers.cancel(timerPing)
		return
	}
	c.timers.schedule(timerPing, 2*c.settings.Heartbeat.PingTimeout, func() {
		if c.conn != conn {
			return
		}
		c.logger.Warn("No traffic within ping window, closing socket", "timeout", 2*c.settings.Heartbeat.PingTimeout)
		conn.Disconnect(transport.CloseStuck, "ping timeout")
	})
}
