package configstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/timestamp"
)

// Server protocol versions.
const (
	VersionBinary  = 4
	VersionJSONRPC = 5
)

// ChannelDescriptor is a signed, time-bounded routing destination.
type ChannelDescriptor struct {
	ID        string    `json:"id"`
	PublicID  string    `json:"public_id,omitempty"`
	Signature string    `json:"signature,omitempty"`
	Type      string    `json:"type,omitempty"`
	ValidFrom time.Time `json:"valid_from,omitzero"`
	ValidTo   time.Time `json:"valid_to,omitzero"`
	UserID    int64     `json:"user_id,omitempty"`
}

// Valid reports whether the descriptor may be used at now. A zero bound is
// open.
func (d ChannelDescriptor) Valid(now time.Time) bool {
	if d.ID == "" && d.PublicID == "" {
		return false
	}
	if !d.ValidFrom.IsZero() && now.Before(d.ValidFrom) {
		return false
	}
	if !d.ValidTo.IsZero() && now.After(d.ValidTo) {
		return false
	}
	return true
}

// Channels holds the client's own channels.
type Channels struct {
	Private *ChannelDescriptor `json:"private,omitempty"`
	Shared  *ChannelDescriptor `json:"shared,omitempty"`
}

// IDs returns the channel ids used to subscribe, private first.
func (c Channels) IDs() []string {
	var ids []string
	for _, d := range []*ChannelDescriptor{c.Private, c.Shared} {
		if d != nil && d.ID != "" {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

// ServerInfo describes the push server.
type ServerInfo struct {
	Version          int    `json:"version"`
	SocketURL        string `json:"socket_url,omitempty"`
	SocketSecureURL  string `json:"socket_secure_url,omitempty"`
	PollURL          string `json:"poll_url,omitempty"`
	PollSecureURL    string `json:"poll_secure_url,omitempty"`
	PublishURL       string `json:"publish_url,omitempty"`
	PublishSecureURL string `json:"publish_secure_url,omitempty"`
	ServerEnabled    bool   `json:"server_enabled"`
	SocketEnabled    bool   `json:"socket_enabled"`
	PublishEnabled   bool   `json:"publish_enabled"`
	Mode             string `json:"mode,omitempty"`
	Revision         int    `json:"revision"`
	// TimeShift is local time minus server time.
	TimeShift       time.Duration `json:"time_shift"`
	ConfigTimestamp int64         `json:"config_timestamp,omitempty"`
}

// Config is the server-issued client configuration.
type Config struct {
	Channels       Channels                     `json:"channels"`
	PublicChannels map[string]ChannelDescriptor `json:"public_channels,omitempty"`
	Server         ServerInfo                   `json:"server"`
	JWT            string                       `json:"jwt,omitempty"`
	ExpiresAt      time.Time                    `json:"expires_at,omitzero"`
	// Invalidated is set when the server announced the config expired.
	Invalidated bool `json:"invalidated,omitempty"`
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	if c.Channels.Private != nil {
		p := *c.Channels.Private
		out.Channels.Private = &p
	}
	if c.Channels.Shared != nil {
		s := *c.Channels.Shared
		out.Channels.Shared = &s
	}
	if c.PublicChannels != nil {
		out.PublicChannels = make(map[string]ChannelDescriptor, len(c.PublicChannels))
		for k, v := range c.PublicChannels {
			out.PublicChannels[k] = v
		}
	}
	return &out
}

// Validate checks that the config can be connected with.
func (c *Config) Validate() error {
	switch {
	case c.Channels.Private == nil || c.Channels.Private.ID == "":
		return fmt.Errorf("%w: private channel missing", errors.ErrInvalidConfig)
	case c.Server.SocketURL == "" && c.Server.SocketSecureURL == "" &&
		c.Server.PollURL == "" && c.Server.PollSecureURL == "":
		return fmt.Errorf("%w: no server url", errors.ErrInvalidConfig)
	}
	return nil
}

// Diverges reports whether other describes a different server revision or
// different channels than c.
func (c *Config) Diverges(other *Config) bool {
	if c == nil || other == nil {
		return c != other
	}
	if c.Server.Revision != other.Server.Revision {
		return true
	}
	return fmt.Sprint(c.Channels.IDs()) != fmt.Sprint(other.Channels.IDs())
}

// SocketURL returns the websocket base URL.
func (c *Config) SocketURL(secure bool) string {
	return pick(secure, c.Server.SocketSecureURL, c.Server.SocketURL)
}

// PollURL returns the long-polling base URL.
func (c *Config) PollURL(secure bool) string {
	return pick(secure, c.Server.PollSecureURL, c.Server.PollURL)
}

// PublishURL returns the publish URL.
func (c *Config) PublishURL(secure bool) string {
	return pick(secure, c.Server.PublishSecureURL, c.Server.PublishURL)
}

func pick(secure bool, secureURL, plainURL string) string {
	if secure && secureURL != "" {
		return secureURL
	}
	if plainURL != "" {
		return plainURL
	}
	return secureURL
}

// Capabilities is the transport feature set resolved once per config.
type Capabilities struct {
	SocketEnabled  bool
	PollingEnabled bool
	PublishEnabled bool
	BinaryFrames   bool
	JSONRPC        bool
	Secure         bool
}

// Capabilities resolves the feature set. socketAllowed is the host's own
// switch for websockets.
func (c *Config) Capabilities(socketAllowed, secure bool) Capabilities {
	return Capabilities{
		SocketEnabled:  socketAllowed && c.Server.SocketEnabled && c.SocketURL(secure) != "",
		PollingEnabled: c.PollURL(secure) != "",
		PublishEnabled: c.Server.PublishEnabled && c.PublishURL(secure) != "",
		BinaryFrames:   c.Server.Version == VersionBinary,
		JSONRPC:        c.Server.Version >= VersionJSONRPC,
		Secure:         secure,
	}
}

type remoteChannel struct {
	ID        string `json:"id"`
	PublicID  string `json:"public_id"`
	Signature string `json:"signature"`
	Type      string `json:"type"`
	Start     any    `json:"start"`
	End       any    `json:"end"`
	UserID    any    `json:"user_id"`
}

func (r remoteChannel) descriptor() ChannelDescriptor {
	return ChannelDescriptor{
		ID:        r.ID,
		PublicID:  r.PublicID,
		Signature: r.Signature,
		Type:      r.Type,
		ValidFrom: timestamp.ParseTime(r.Start),
		ValidTo:   timestamp.ParseTime(r.End),
		UserID:    toInt64(r.UserID),
	}
}

type remoteServer struct {
	Version           int    `json:"version"`
	ServerEnabled     bool   `json:"server_enabled"`
	LongPolling       string `json:"long_polling"`
	LongPollingSecure string `json:"long_pooling_secure"`
	Websocket         string `json:"websocket"`
	WebsocketSecure   string `json:"websocket_secure"`
	WebsocketEnabled  bool   `json:"websocket_enabled"`
	Publish           string `json:"publish"`
	PublishSecure     string `json:"publish_secure"`
	PublishEnabled    bool   `json:"publish_enabled"`
	Mode              string `json:"mode"`
	ConfigTimestamp   int64  `json:"config_timestamp"`
}

type remoteConfig struct {
	Channels       json.RawMessage `json:"channels"`
	PublicChannels json.RawMessage `json:"publicChannels"`
	Server         remoteServer    `json:"server"`
	API            struct {
		RevisionWeb int `json:"revision_web"`
	} `json:"api"`
	ServerTime any    `json:"serverTime"`
	JWT        string `json:"jwt"`
	Exp        int64  `json:"exp"`
}

// ParseRemote converts the result of the config REST method. now is used to
// compute the server time shift.
func ParseRemote(data []byte, now time.Time) (*Config, error) {
	var raw remoteConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: config: %v", errors.ErrParsingFailed, err)
	}

	channels, err := decodeChannelMap(raw.Channels)
	if err != nil {
		return nil, err
	}
	public, err := decodeChannelMap(raw.PublicChannels)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerInfo{
			Version:          raw.Server.Version,
			SocketURL:        raw.Server.Websocket,
			SocketSecureURL:  raw.Server.WebsocketSecure,
			PollURL:          raw.Server.LongPolling,
			PollSecureURL:    raw.Server.LongPollingSecure,
			PublishURL:       raw.Server.Publish,
			PublishSecureURL: raw.Server.PublishSecure,
			ServerEnabled:    raw.Server.ServerEnabled,
			SocketEnabled:    raw.Server.WebsocketEnabled,
			PublishEnabled:   raw.Server.PublishEnabled,
			Mode:             raw.Server.Mode,
			Revision:         raw.API.RevisionWeb,
			ConfigTimestamp:  raw.Server.ConfigTimestamp,
		},
		JWT: raw.JWT,
	}
	if d, ok := channels["private"]; ok {
		cfg.Channels.Private = &d
	}
	if d, ok := channels["shared"]; ok {
		cfg.Channels.Shared = &d
	}
	if len(public) > 0 {
		cfg.PublicChannels = public
	}

	if serverTime := timestamp.ParseTime(raw.ServerTime); !serverTime.IsZero() {
		cfg.Server.TimeShift = now.Sub(serverTime).Truncate(time.Second)
	}

	if raw.Exp > 0 {
		cfg.ExpiresAt = time.Unix(raw.Exp, 0)
	} else {
		for _, d := range []*ChannelDescriptor{cfg.Channels.Private, cfg.Channels.Shared} {
			if d != nil && !d.ValidTo.IsZero() && (cfg.ExpiresAt.IsZero() || d.ValidTo.Before(cfg.ExpiresAt)) {
				cfg.ExpiresAt = d.ValidTo
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DecodeChannels parses a channel map such as the result of the public
// channel list method, keyed as the server keyed it.
func DecodeChannels(data []byte) (map[string]ChannelDescriptor, error) {
	return decodeChannelMap(data)
}

// DecodeChannel parses a single channel object, as carried by the
// channel_expire command.
func DecodeChannel(data []byte) (ChannelDescriptor, error) {
	var r remoteChannel
	if err := json.Unmarshal(data, &r); err != nil {
		return ChannelDescriptor{}, fmt.Errorf("%w: channel: %v", errors.ErrParsingFailed, err)
	}
	if r.ID == "" {
		return ChannelDescriptor{}, fmt.Errorf("%w: channel without id", errors.ErrInvalidData)
	}
	return r.descriptor(), nil
}

// decodeChannelMap accepts an object of channels. An empty list, which the
// server sends instead of an empty object, yields an empty map.
func decodeChannelMap(data json.RawMessage) (map[string]ChannelDescriptor, error) {
	data = bytes.TrimSpace(data)
	out := make(map[string]ChannelDescriptor)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return out, nil
	}
	if data[0] == '[' {
		var list []remoteChannel
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("%w: channels: %v", errors.ErrParsingFailed, err)
		}
		for _, r := range list {
			if r.ID != "" {
				out[r.ID] = r.descriptor()
			}
		}
		return out, nil
	}

	var m map[string]remoteChannel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: channels: %v", errors.ErrParsingFailed, err)
	}
	for k, r := range m {
		out[k] = r.descriptor()
	}
	return out, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
