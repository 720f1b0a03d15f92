package message

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/clock"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/timestamp"
)

// SenderType identifies who published an event.
type SenderType int

// Sender types
const (
	SenderUnknown SenderType = 0
	SenderClient  SenderType = 1
	SenderBackend SenderType = 2
)

func (s SenderType) String() string {
	switch s {
	case SenderClient:
		return "client"
	case SenderBackend:
		return "backend"
	default:
		return "unknown"
	}
}

// Sender identifies the publisher of an event.
type Sender struct {
	Type SenderType `json:"type" cbor:"1,keyasint,omitempty"`
	ID   int64      `json:"id,omitempty" cbor:"2,keyasint,omitempty"`
}

// Extra is the metadata attached to an event.
type Extra struct {
	Sender Sender
	// ServerTime is when the server accepted the event.
	ServerTime time.Time
	// ServerTimeAgo is the age of the event on arrival, corrected for the
	// client/server clock shift. Never negative.
	ServerTimeAgo time.Duration
	// RevisionWeb is the server revision that produced the event; 0 when absent.
	RevisionWeb int
	// Raw holds every extra field as received.
	Raw map[string]any
}

// Event is one decoded push event, in arrival order.
type Event struct {
	// ID is the lowercase hex message id, the dedup key and session cursor.
	// Empty when the server sent none.
	ID       string
	ModuleID string
	Command  string
	Params   map[string]any
	Extra    Extra

	// Created is the server creation time when carried by the frame.
	Created time.Time
	// Expiry is the event lifetime from Created; zero means unbounded.
	Expiry time.Duration

	// Cursor fields carried by plain frames; polling resumes from them.
	Tag     string
	Time    string
	Channel string
}

// body is the JSON envelope inside every message.
type body struct {
	ModuleID string         `json:"module_id"`
	Command  string         `json:"command"`
	Params   map[string]any `json:"params"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Decoder turns wire frames into events. A Decoder is immutable and safe
// for concurrent use; build a new one when the time shift changes.
type Decoder struct {
	clock     clock.Clock
	timeShift time.Duration
	logger    *slog.Logger
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithClock sets the clock used to derive ServerTimeAgo.
func WithClock(c clock.Clock) DecoderOption {
	return func(d *Decoder) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithTimeShift sets local-minus-server clock offset.
func WithTimeShift(shift time.Duration) DecoderOption {
	return func(d *Decoder) { d.timeShift = shift }
}

// WithLogger sets the logger for skipped frames.
func WithLogger(l *slog.Logger) DecoderOption {
	return func(d *Decoder) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDecoder creates a Decoder.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "codec")
	return d
}

// parseBody decodes the JSON envelope, which may arrive as an object or as
// a JSON string holding the object.
func parseBody(raw json.RawMessage) (body, error) {
	var b body
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return b, fmt.Errorf("%w: body string: %v", errors.ErrParsingFailed, err)
		}
		raw = json.RawMessage(s)
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return b, fmt.Errorf("%w: body: %v", errors.ErrParsingFailed, err)
	}
	if b.ModuleID == "" || b.Command == "" {
		return b, fmt.Errorf("%w: body without module_id or command", errors.ErrInvalidData)
	}
	return b, nil
}

// buildEvent fills an event from a decoded body. sender overrides the
// sender in extra when the frame carries one out of band.
func (d *Decoder) buildEvent(id string, b body, sender *Sender) Event {
	ev := Event{
		ID:       NormalizeID(id),
		ModuleID: b.ModuleID,
		Command:  b.Command,
		Params:   b.Params,
	}
	if ev.Params == nil {
		ev.Params = map[string]any{}
	}
	ev.Extra = d.parseExtra(b.Extra)
	if sender != nil {
		ev.Extra.Sender = *sender
	}
	return ev
}

func (d *Decoder) parseExtra(raw map[string]any) Extra {
	ex := Extra{Raw: raw}
	if raw == nil {
		ex.Raw = map[string]any{}
		return ex
	}

	if s, ok := raw["sender"].(map[string]any); ok {
		ex.Sender.Type = SenderType(toInt(s["type"]))
		ex.Sender.ID = int64(toInt(s["id"]))
	}
	ex.RevisionWeb = toInt(raw["revision_web"])

	if v, ok := raw["server_time_unix"]; ok {
		ex.ServerTime = timestamp.ParseTime(v)
	}
	if !ex.ServerTime.IsZero() {
		ex.ServerTimeAgo = d.age(ex.ServerTime)
	}
	return ex
}

// age returns how long ago the server produced t, in local terms.
func (d *Decoder) age(t time.Time) time.Duration {
	ago := d.clock.Now().Add(-d.timeShift).Sub(t)
	if ago < 0 {
		return 0
	}
	return ago
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	case string:
		var i int
		_, _ = fmt.Sscan(n, &i)
		return i
	default:
		return 0
	}
}
