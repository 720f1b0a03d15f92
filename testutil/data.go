package testutil

import (
	"strconv"
	"time"
)

// PullConfigOptions shapes the result of the pull.config.get REST method.
type PullConfigOptions struct {
	Version        int
	Revision       int
	SocketURL      string
	PollURL        string
	PublishURL     string
	SocketEnabled  bool
	PublishEnabled bool
	PrivateID      string
	SharedID       string
	Signature      string
	ValidFrom      time.Time
	ValidTo        time.Time
	// Exp sets an explicit expiry; zero lets channel validity decide.
	Exp        time.Time
	ServerTime time.Time
	// PublicChannels maps user ids to public channel ids.
	PublicChannels map[int64]string
	// PublicValidTo overrides ValidTo for public channels.
	PublicValidTo time.Time
}

// DefaultPullConfig returns options for a JSON-RPC server with both
// transports enabled and channels valid for twelve hours after now.
func DefaultPullConfig(now time.Time) PullConfigOptions {
	return PullConfigOptions{
		Version:        5,
		Revision:       19,
		SocketURL:      "wss://push.example.com/subws/",
		PollURL:        "https://push.example.com/sub/",
		PublishURL:     "https://push.example.com/pub/",
		SocketEnabled:  true,
		PublishEnabled: true,
		PrivateID:      "0123456789abcdef0123456789abcdef",
		SharedID:       "fedcba9876543210fedcba9876543210",
		Signature:      "5369676e6174757265",
		ValidFrom:      now.Add(-time.Hour),
		ValidTo:        now.Add(12 * time.Hour),
		ServerTime:     now,
	}
}

// PullConfig builds a pull.config.get result.
func PullConfig(o PullConfigOptions) map[string]any {
	channel := func(id, kind string) map[string]any {
		return map[string]any{
			"id":        id,
			"public_id": id,
			"signature": o.Signature,
			"type":      kind,
			"start":     o.ValidFrom.Format(time.RFC3339),
			"end":       o.ValidTo.Format(time.RFC3339),
		}
	}

	channels := map[string]any{"private": channel(o.PrivateID, "private")}
	if o.SharedID != "" {
		channels["shared"] = channel(o.SharedID, "shared")
	}

	public := map[string]any{}
	for userID, id := range o.PublicChannels {
		c := channel(id, "public")
		c["user_id"] = userID
		if !o.PublicValidTo.IsZero() {
			c["end"] = o.PublicValidTo.Format(time.RFC3339)
		}
		public[strconv.FormatInt(userID, 10)] = c
	}

	result := map[string]any{
		"channels":       channels,
		"publicChannels": public,
		"server": map[string]any{
			"version":             o.Version,
			"server_enabled":      true,
			"long_polling":        o.PollURL,
			"long_pooling_secure": o.PollURL,
			"websocket":           o.SocketURL,
			"websocket_secure":    o.SocketURL,
			"websocket_enabled":   o.SocketEnabled,
			"publish":             o.PublishURL,
			"publish_secure":      o.PublishURL,
			"publish_enabled":     o.PublishEnabled,
			"mode":                "shared",
		},
		"api": map[string]any{"revision_web": o.Revision},
	}
	if !o.ServerTime.IsZero() {
		result["serverTime"] = o.ServerTime.Format(time.RFC3339)
	}
	if !o.Exp.IsZero() {
		result["exp"] = o.Exp.Unix()
	}
	return result
}

// PublicChannelList builds a pull.channel.public.list result for userIDs.
func PublicChannelList(o PullConfigOptions, userIDs ...int64) map[string]any {
	out := map[string]any{}
	for _, userID := range userIDs {
		id := o.PublicChannels[userID]
		if id == "" {
			continue
		}
		out[strconv.FormatInt(userID, 10)] = map[string]any{
			"user_id":   userID,
			"public_id": id,
			"signature": o.Signature,
			"start":     o.ValidFrom.Format(time.RFC3339),
			"end":       o.ValidTo.Format(time.RFC3339),
		}
	}
	return out
}
