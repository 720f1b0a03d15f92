package pullclient

import (
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/health"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/subscription"
)

// Status is the connection state of a Client.
type Status int32

// Possible statuses
const (
	StatusOffline Status = iota
	StatusConnecting
	StatusOnline
	// StatusDisabled is terminal and only reached through Close.
	StatusDisabled
)

// String returns the name broadcast to Status subscribers.
func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusConnecting:
		return "connecting"
	case StatusOnline:
		return "online"
	case StatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

const statusTimer = "status"

// setStatus changes the state immediately and announces it after the
// debounce interval, so a quick Connecting/Online flap during a reconnect
// is broadcast once.
func (c *Client) setStatus(s Status) {
	prev := Status(c.status.Load())
	c.status.Store(int32(s))
	if prev != s {
		c.logger.Debug("Status changed", "from", prev.String(), "to", s.String())
		c.metrics.RecordState(int(s))
	}
	if s == c.announced {
		c.timers.cancel(statusTimer)
		return
	}
	if c.settings.Status.Debounce <= 0 {
		c.announceStatus()
		return
	}
	if !c.timers.active(statusTimer) {
		c.timers.schedule(statusTimer, c.settings.Status.Debounce, c.announceStatus)
	}
}

// announceStatus broadcasts the current state if it differs from the last
// broadcast one.
func (c *Client) announceStatus() {
	c.timers.cancel(statusTimer)
	s := Status(c.status.Load())
	if s == c.announced {
		return
	}
	c.announced = s
	c.subs.Publish(subscription.Notification{
		Category: subscription.Status,
		Command:  "status",
		Params:   map[string]any{"status": s.String()},
	})
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	return Status(c.status.Load())
}

// Health reports the client as a health status: healthy while online,
// degraded while connecting or stopped, unhealthy once closed.
func (c *Client) Health() health.Status {
	s := c.Status()
	var conn health.Status
	switch s {
	case StatusOnline:
		conn = health.NewHealthy("connection", "online via "+c.Debug().Transport)
	case StatusConnecting, StatusOffline:
		conn = health.NewDegraded("connection", s.String())
	default:
		conn = health.NewUnhealthy("connection", s.String())
	}

	c.health.Update("connection", conn)
	if c.queue != nil {
		if c.queue.IsFull() {
			c.health.UpdateDegraded("queue", "outbound queue full")
		} else {
			c.health.UpdateHealthy("queue", "outbound queue ok")
		}
	}
	return c.health.AggregateHealth("pullclient")
}
