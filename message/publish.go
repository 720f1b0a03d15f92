package message

import (
	"encoding/json"
	"fmt"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
)

// Publish is an outbound message.
type Publish struct {
	ModuleID string
	Command  string
	Params   any
	// ExpirySeconds bounds delivery; zero lets the server choose.
	ExpirySeconds int
}

// Validate checks the required fields.
func (p Publish) Validate() error {
	if p.ModuleID == "" || p.Command == "" {
		return fmt.Errorf("%w: publish requires module id and command", errors.ErrInvalidData)
	}
	if p.ExpirySeconds < 0 {
		return fmt.Errorf("%w: negative expiry", errors.ErrInvalidData)
	}
	return nil
}

// Body returns the JSON envelope of the message.
func (p Publish) Body() (string, error) {
	params := p.Params
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(struct {
		ModuleID string `json:"module_id"`
		Command  string `json:"command"`
		Params   any    `json:"params"`
	}{p.ModuleID, p.Command, params})
	if err != nil {
		return "", fmt.Errorf("%w: encode params: %v", errors.ErrInvalidData, err)
	}
	return string(data), nil
}

// Receiver addresses a public channel. ID and Signature are hex strings.
type Receiver struct {
	ID        string
	Signature string
}

// EncodePublishBinary builds a binary publish frame for the socket.
func EncodePublishBinary(receivers []Receiver, msg Publish) ([]byte, error) {
	if err := validatePublish(receivers, msg); err != nil {
		return nil, err
	}
	b, err := msg.Body()
	if err != nil {
		return nil, err
	}

	out := OutgoingMessage{Body: b, Expiry: uint32(msg.ExpirySeconds)}
	for _, r := range receivers {
		id, err := DecodeID(r.ID)
		if err != nil {
			return nil, err
		}
		sig, err := decodeHex("signature", r.Signature)
		if err != nil {
			return nil, err
		}
		out.Receivers = append(out.Receivers, BinaryReceiver{ID: id, Signature: sig})
	}

	batch := RequestBatch{Requests: []Request{{OutgoingMessages: &OutgoingMessages{Messages: []OutgoingMessage{out}}}}}
	data, err := encMode.Marshal(batch)
	if err != nil {
		return nil, errors.WrapInvalid(err, "codec", "EncodePublishBinary", "marshal cbor")
	}
	return data, nil
}

// PlainPublish is the JSON shape of a plain publish.
type PlainPublish struct {
	Receivers []PlainReceiver `json:"receivers"`
	Body      string          `json:"body"`
	Expiry    int             `json:"expiry,omitempty"`
}

// PlainReceiver is a receiver in a plain publish.
type PlainReceiver struct {
	ID        string `json:"id"`
	Signature string `json:"signature"`
}

// EncodePublishPlain builds a plain (JSON) publish payload, a one-element
// message list.
func EncodePublishPlain(receivers []Receiver, msg Publish) ([]byte, error) {
	if err := validatePublish(receivers, msg); err != nil {
		return nil, err
	}
	b, err := msg.Body()
	if err != nil {
		return nil, err
	}

	p := PlainPublish{Body: b, Expiry: msg.ExpirySeconds}
	for _, r := range receivers {
		if _, err := DecodeID(r.ID); err != nil {
			return nil, err
		}
		p.Receivers = append(p.Receivers, PlainReceiver{ID: NormalizeID(r.ID), Signature: r.Signature})
	}
	data, err := json.Marshal([]PlainPublish{p})
	if err != nil {
		return nil, errors.WrapInvalid(err, "codec", "EncodePublishPlain", "marshal json")
	}
	return data, nil
}

// RPCPublishParams is the params object of the publish RPC method.
type RPCPublishParams struct {
	UserList    []int64        `json:"userList,omitempty"`
	ChannelList []string       `json:"channelList,omitempty"`
	Body        map[string]any `json:"body"`
	Expiry      int            `json:"expiry,omitempty"`
}

// RPCPublishToUsers builds publish params addressed to users.
func RPCPublishToUsers(userIDs []int64, msg Publish) (RPCPublishParams, error) {
	if len(userIDs) == 0 {
		return RPCPublishParams{}, fmt.Errorf("%w: no recipients", errors.ErrInvalidData)
	}
	if err := msg.Validate(); err != nil {
		return RPCPublishParams{}, err
	}
	return RPCPublishParams{UserList: userIDs, Body: rpcBody(msg), Expiry: msg.ExpirySeconds}, nil
}

// RPCPublishToChannels builds publish params addressed to public channels.
func RPCPublishToChannels(channelIDs []string, msg Publish) (RPCPublishParams, error) {
	if len(channelIDs) == 0 {
		return RPCPublishParams{}, fmt.Errorf("%w: no recipients", errors.ErrInvalidData)
	}
	if err := msg.Validate(); err != nil {
		return RPCPublishParams{}, err
	}
	return RPCPublishParams{ChannelList: channelIDs, Body: rpcBody(msg), Expiry: msg.ExpirySeconds}, nil
}

func rpcBody(msg Publish) map[string]any {
	params := msg.Params
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		"module_id": msg.ModuleID,
		"command":   msg.Command,
		"params":    params,
	}
}

func validatePublish(receivers []Receiver, msg Publish) error {
	if len(receivers) == 0 {
		return fmt.Errorf("%w: no recipients", errors.ErrInvalidData)
	}
	return msg.Validate()
}
