package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/timestamp"
)

// Plain frame delimiters. A plain frame is a concatenation of
// StartDelimiter + JSON + EndDelimiter parts.
const (
	StartDelimiter = "#!NGINXNMS!#"
	EndDelimiter   = "#!NGINXNME!#"
)

// plainMessage is one JSON part of a plain frame.
type plainMessage struct {
	MID     string          `json:"mid"`
	Channel string          `json:"channel"`
	Tag     string          `json:"tag"`
	Time    string          `json:"time"`
	Text    json.RawMessage `json:"text"`
}

// DecodePlain decodes a delimited plain frame. Parts that fail to decode
// are skipped and counted.
func (d *Decoder) DecodePlain(frame string) ([]Event, int) {
	parts := SplitPlain(frame)
	if len(parts) == 0 {
		if strings.TrimSpace(frame) != "" {
			d.logger.Warn("Dropping plain frame without delimiters", "size", len(frame))
			return nil, 1
		}
		return nil, 0
	}

	events := make([]Event, 0, len(parts))
	skipped := 0
	for _, part := range parts {
		ev, err := d.fromPlain([]byte(part))
		if err != nil {
			skipped++
			d.logger.Warn("Skipping malformed plain message", "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, skipped
}

// SplitPlain returns the JSON parts of a plain frame in order. Text outside
// delimiters and an unterminated trailing part are discarded.
func SplitPlain(frame string) []string {
	var parts []string
	rest := frame
	for {
		start := strings.Index(rest, StartDelimiter)
		if start < 0 {
			return parts
		}
		rest = rest[start+len(StartDelimiter):]
		end := strings.Index(rest, EndDelimiter)
		if end < 0 {
			return parts
		}
		parts = append(parts, rest[:end])
		rest = rest[end+len(EndDelimiter):]
	}
}

func (d *Decoder) fromPlain(data []byte) (Event, error) {
	var pm plainMessage
	if err := json.Unmarshal(data, &pm); err != nil {
		return Event{}, fmt.Errorf("%w: plain message: %v", errors.ErrParsingFailed, err)
	}
	if len(pm.Text) == 0 {
		return Event{}, fmt.Errorf("%w: plain message without text", errors.ErrInvalidData)
	}
	b, err := parseBody(pm.Text)
	if err != nil {
		return Event{}, err
	}

	ev := d.buildEvent(pm.MID, b, nil)
	ev.Tag = pm.Tag
	ev.Time = pm.Time
	ev.Channel = pm.Channel
	if pm.Time != "" {
		ev.Created = timestamp.ParseTime(pm.Time)
	}
	return ev, nil
}

// rpcMessage is one entry of the incoming.message RPC params.
type rpcMessage struct {
	ID      string          `json:"id"`
	Sender  *Sender         `json:"sender,omitempty"`
	Body    json.RawMessage `json:"body"`
	Expiry  int64           `json:"expiry,omitempty"`
	Created any             `json:"created,omitempty"`
	// Older servers send the envelope under text.
	Text json.RawMessage `json:"text,omitempty"`
}

// DecodeRPCMessages decodes the params of an incoming.message command:
// {"messages":[{id, body, sender, expiry, created}, ...]}.
func (d *Decoder) DecodeRPCMessages(params json.RawMessage) ([]Event, int) {
	var p struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		d.logger.Warn("Dropping undecodable incoming.message params", "error", err)
		return nil, 1
	}

	events := make([]Event, 0, len(p.Messages))
	skipped := 0
	for _, raw := range p.Messages {
		ev, err := d.fromRPC(raw)
		if err != nil {
			skipped++
			d.logger.Warn("Skipping malformed rpc message", "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, skipped
}

func (d *Decoder) fromRPC(raw json.RawMessage) (Event, error) {
	var m rpcMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return Event{}, fmt.Errorf("%w: rpc message: %v", errors.ErrParsingFailed, err)
	}
	envelope := m.Body
	if len(envelope) == 0 {
		envelope = m.Text
	}
	if len(envelope) == 0 {
		return Event{}, fmt.Errorf("%w: rpc message %s without body", errors.ErrInvalidData, m.ID)
	}
	b, err := parseBody(envelope)
	if err != nil {
		return Event{}, err
	}

	ev := d.buildEvent(m.ID, b, m.Sender)
	if m.Created != nil {
		ev.Created = timestamp.ParseTime(m.Created)
	}
	ev.Expiry = time.Duration(m.Expiry) * time.Second
	return ev, nil
}
