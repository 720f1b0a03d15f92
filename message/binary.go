package message

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
)

// encMode uses Core Deterministic Encoding so equal batches encode to
// identical bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields and decodes any-typed maps as map[string]any.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("message: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("message: CBOR decoder initialization failed: " + err.Error())
	}
}

// ResponseBatch is a binary server-to-client frame.
type ResponseBatch struct {
	Responses []Response `cbor:"1,keyasint"`
}

// Response is one entry of a ResponseBatch.
type Response struct {
	IncomingMessages *IncomingMessages `cbor:"1,keyasint,omitempty"`
}

// IncomingMessages carries pushed messages.
type IncomingMessages struct {
	Messages []IncomingMessage `cbor:"1,keyasint"`
}

// IncomingMessage is one pushed message. Body is the JSON envelope text.
type IncomingMessage struct {
	ID      []byte `cbor:"1,keyasint"`
	Sender  Sender `cbor:"2,keyasint,omitempty"`
	Body    string `cbor:"3,keyasint"`
	Expiry  uint32 `cbor:"4,keyasint,omitempty"`
	Created uint32 `cbor:"5,keyasint,omitempty"`
}

// RequestBatch is a binary client-to-server frame.
type RequestBatch struct {
	Requests []Request `cbor:"1,keyasint"`
}

// Request is one entry of a RequestBatch.
type Request struct {
	OutgoingMessages *OutgoingMessages `cbor:"1,keyasint,omitempty"`
}

// OutgoingMessages carries published messages.
type OutgoingMessages struct {
	Messages []OutgoingMessage `cbor:"1,keyasint"`
}

// OutgoingMessage is one published message.
type OutgoingMessage struct {
	Receivers []BinaryReceiver `cbor:"1,keyasint"`
	Body      string           `cbor:"2,keyasint"`
	Expiry    uint32           `cbor:"3,keyasint,omitempty"`
}

// BinaryReceiver addresses a public channel by compact id and signature.
type BinaryReceiver struct {
	IsPrivate bool   `cbor:"1,keyasint,omitempty"`
	ID        []byte `cbor:"2,keyasint"`
	Signature []byte `cbor:"3,keyasint,omitempty"`
}

// DecodeBinary decodes a binary frame. Messages that fail to decode are
// skipped and counted; the rest keep their order.
func (d *Decoder) DecodeBinary(frame []byte) ([]Event, int) {
	var batch ResponseBatch
	if err := decMode.Unmarshal(frame, &batch); err != nil {
		d.logger.Warn("Dropping undecodable binary frame", "size", len(frame), "error", err)
		return nil, 1
	}

	var events []Event
	skipped := 0
	for _, resp := range batch.Responses {
		if resp.IncomingMessages == nil {
			continue
		}
		for _, m := range resp.IncomingMessages.Messages {
			ev, err := d.fromIncoming(m)
			if err != nil {
				skipped++
				d.logger.Warn("Skipping malformed binary message", "error", err)
				continue
			}
			events = append(events, ev)
		}
	}
	return events, skipped
}

func (d *Decoder) fromIncoming(m IncomingMessage) (Event, error) {
	id, err := EncodeID(m.ID)
	if err != nil {
		return Event{}, err
	}
	b, err := parseBody(json.RawMessage(m.Body))
	if err != nil {
		return Event{}, fmt.Errorf("message %s: %w", id, err)
	}

	var sender *Sender
	if m.Sender.Type != SenderUnknown || m.Sender.ID != 0 {
		s := m.Sender
		sender = &s
	}
	ev := d.buildEvent(id, b, sender)
	if m.Created > 0 {
		ev.Created = time.Unix(int64(m.Created), 0)
		if ev.Extra.ServerTime.IsZero() {
			ev.Extra.ServerTime = ev.Created
			ev.Extra.ServerTimeAgo = d.age(ev.Created)
		}
	}
	ev.Expiry = time.Duration(m.Expiry) * time.Second
	return ev, nil
}

// EncodeResponseBatch builds a binary server frame. Servers and tests use it.
func EncodeResponseBatch(messages []IncomingMessage) ([]byte, error) {
	batch := ResponseBatch{Responses: []Response{{IncomingMessages: &IncomingMessages{Messages: messages}}}}
	data, err := encMode.Marshal(batch)
	if err != nil {
		return nil, errors.WrapInvalid(err, "codec", "EncodeResponseBatch", "marshal cbor")
	}
	return data, nil
}

// DecodeRequestBatch parses a binary client frame. Servers and tests use it.
func DecodeRequestBatch(frame []byte) (*RequestBatch, error) {
	var batch RequestBatch
	if err := decMode.Unmarshal(frame, &batch); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "codec", "DecodeRequestBatch", "unmarshal cbor")
	}
	return &batch, nil
}
