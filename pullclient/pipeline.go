package pullclient

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/configstore"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/message"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/timestamp"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/subscription"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/transport"
)

// Liveness frames exchanged over the socket.
const (
	pingFrame = "ping"
	pongFrame = "pong"
)

// pullModule carries the commands addressed to the client itself.
const pullModule = "pull"

// Frame formats, used as metric labels.
const (
	formatBinary = "binary"
	formatPlain  = "plain"
	formatRPC    = "jsonrpc"
)

func (c *Client) onMessage(conn transport.Connector, f transport.Frame) {
	if conn != c.conn && conn != c.handover && conn != c.retiring {
		return
	}
	kind := conn.Kind()
	if conn == c.conn {
		c.armLiveness()
	}

	if !f.Binary && kind == transport.KindSocket {
		switch strings.TrimSpace(f.Text()) {
		case pingFrame:
			conn.Send([]byte(pongFrame), false)
			return
		case pongFrame:
			return
		}
	}

	if f.Binary {
		events, skipped := c.decoder.DecodeBinary(f.Data)
		c.deliver(kind, formatBinary, events, skipped)
		return
	}
	if c.caps.JSONRPC && looksLikeJSON(f.Data) {
		c.inbound = kind
		if c.rpc.HandleMessage(f.Data) {
			return
		}
	}
	events, skipped := c.decoder.DecodePlain(f.Text())
	c.deliver(kind, formatPlain, events, skipped)
}

func looksLikeJSON(data []byte) bool {
	data = bytes.TrimSpace(data)
	return len(data) > 0 && (data[0] == '{' || data[0] == '[')
}

// handleIncomingRPC serves the incoming.message command. It runs on the
// loop, inside the HandleMessage call of onMessage.
func (c *Client) handleIncomingRPC(params json.RawMessage) (any, error) {
	events, skipped := c.decoder.DecodeRPCMessages(params)
	c.deliver(c.inbound, formatRPC, events, skipped)
	return nil, nil
}

// deliver runs decoded events through dedup, the session cursor and the
// revision check, then hands them to the internal command handler or the
// subscribers. A revision mismatch stops the batch and restarts the
// connection with a fresh config.
func (c *Client) deliver(kind transport.Kind, format string, events []message.Event, skipped int) {
	for range skipped {
		c.metrics.RecordDecodeError(format)
	}
	if len(events) == 0 {
		return
	}
	c.metrics.RecordReceived(kind.String(), format, len(events))

	now := c.clock.Now()
	accepted := false
	for i := range events {
		ev := &events[i]
		if c.revisionChanged(ev) {
			c.logger.Warn("Server revision changed",
				"config_revision", c.cfg.Server.Revision,
				"server_revision", ev.Extra.RevisionWeb)
			c.subs.Publish(subscription.Notification{
				Category: subscription.Revision,
				Command:  "revision_changed",
				Params:   map[string]any{"revision": ev.Extra.RevisionWeb},
			})
			if accepted {
				c.publishState()
				c.scheduleSessionSave()
			}
			c.restartRun(transport.CloseConfigExpired, "server revision changed", true)
			return
		}
		if c.dedup.Seen(ev.ID) {
			c.metrics.RecordDuplicate()
			c.logger.Debug("Duplicate event dropped", "id", ev.ID, "transport", kind.String())
			continue
		}

		t := ev.Created
		if ev.Time != "" {
			t = timestamp.ParseTime(ev.Time)
		}
		c.session.Accept(ev.ID, ev.Tag, t)
		accepted = true

		if c.expired(ev, now) {
			c.logger.Debug("Expired event dropped", "id", ev.ID, "module", ev.ModuleID, "command", ev.Command)
			continue
		}
		if strings.EqualFold(ev.ModuleID, pullModule) {
			c.handleCommand(ev)
			continue
		}
		n := subscription.FromEvent(*ev)
		c.subs.Publish(n)
		c.metrics.RecordDelivered(n.Category.String())
	}

	if accepted {
		c.publishState()
		c.scheduleSessionSave()
	}
}

func (c *Client) revisionChanged(ev *message.Event) bool {
	if c.settings.Revision.SkipCheck || c.cfg == nil {
		return false
	}
	return ev.Extra.RevisionWeb > 0 && c.cfg.Server.Revision > 0 && ev.Extra.RevisionWeb != c.cfg.Server.Revision
}

// expired reports whether ev outlived its expiry, measured on the server
// clock.
func (c *Client) expired(ev *message.Event, now time.Time) bool {
	if ev.Expiry <= 0 || ev.Created.IsZero() {
		return false
	}
	var shift time.Duration
	if c.cfg != nil {
		shift = c.cfg.Server.TimeShift
	}
	return now.Add(-shift).After(ev.Created.Add(ev.Expiry))
}

// handleCommand reacts to the server commands of the pull module.
func (c *Client) handleCommand(ev *message.Event) {
	c.logger.Info("Server command", "command", ev.Command)
	switch ev.Command {
	case "channel_expire":
		c.onChannelExpire(ev.Params)
	case "config_expire":
		if c.cfg != nil {
			cfg := c.cfg.Clone()
			cfg.Invalidated = true
			c.cfg = cfg
		}
		c.restartRun(transport.CloseConfigExpired, "config expired", true)
	case "server_restart":
		c.restartAfter(transport.CloseServerRestart, "server restart", c.restartDelay())
	default:
		c.logger.Debug("Unknown server command ignored", "command", ev.Command)
	}
}

// onChannelExpire replaces the expired channel in place when the server
// sent its successor and reloads the config otherwise.
func (c *Client) onChannelExpire(params map[string]any) {
	action, _ := params["action"].(string)
	raw, hasNew := params["new_channel"]
	if action != "reconnect" || !hasNew || c.cfg == nil {
		c.restartRun(transport.CloseChannelExpired, "channel expired", true)
		return
	}

	data, err := json.Marshal(raw)
	if err == nil {
		var d configstore.ChannelDescriptor
		if d, err = configstore.DecodeChannel(data); err == nil {
			cfg := c.cfg.Clone()
			if d.Type == "shared" {
				cfg.Channels.Shared = &d
			} else {
				cfg.Channels.Private = &d
			}
			c.cfg = cfg
			c.publishState()
			c.saveConfig(cfg)
			c.restartRun(transport.CloseConfigReplaced, "channel replaced", false)
			return
		}
	}
	c.logger.Warn("Unusable replacement channel", "error", err)
	c.restartRun(transport.CloseChannelExpired, "channel expired", true)
}

func (c *Client) scheduleSessionSave() {
	if c.timers.active(timerSession) {
		return
	}
	c.timers.schedule(timerSession, c.settings.Storage.SessionSave, c.saveSession)
}

// userStatusChange is the user.status.change command payload.
type userStatusChange struct {
	UserID int64 `json:"userId"`
	Online bool  `json:"online"`
}

// handleUserStatusRPC serves user.status.change.
func (c *Client) handleUserStatusRPC(params json.RawMessage) (any, error) {
	var change userStatusChange
	if err := json.Unmarshal(params, &change); err != nil {
		return nil, errors.WrapInvalid(err, "pullclient", "handleUserStatusRPC", "decode params")
	}
	var all map[string]any
	_ = json.Unmarshal(params, &all)
	c.notifyUserStatus(UserStatus{UserID: change.UserID, Online: change.Online, Params: all})
	return nil, nil
}
