package message

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/clock"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func idBytes(b byte) []byte { return bytes.Repeat([]byte{b}, IDSize) }

func newTestDecoder(shift time.Duration) *Decoder {
	return NewDecoder(WithClock(clock.Fake(now)), WithTimeShift(shift))
}

func TestIDConversion(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xab, 0xcd, 0xef, 0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80, 0x90, 0xa0, 0xff}

	s, err := EncodeID(raw)
	require.NoError(t, err)
	assert.Equal(t, "0001abcdef102030405060708090a0ff", s)

	back, err := DecodeID(s)
	require.NoError(t, err)
	assert.Equal(t, raw, back)

	upper, err := DecodeID(strings.ToUpper(s))
	require.NoError(t, err)
	assert.Equal(t, raw, upper)

	_, err = EncodeID(raw[:15])
	assert.ErrorIs(t, err, errors.ErrInvalidData)
	_, err = DecodeID("abc")
	assert.ErrorIs(t, err, errors.ErrInvalidData)
	_, err = DecodeID(strings.Repeat("zz", IDSize))
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}

func TestDecodeBinary(t *testing.T) {
	body := `{"module_id":"im","command":"message","params":{"text":"hi"},"extra":{"revision_web":19,"server_time_unix":1772366390}}`
	frame, err := EncodeResponseBatch([]IncomingMessage{
		{ID: idBytes(0x01), Sender: Sender{Type: SenderBackend}, Body: body, Expiry: 60, Created: 1772366390},
		{ID: idBytes(0x02)[:4], Body: body},         // bad id
		{ID: idBytes(0x03), Body: `{"module_id":""}`}, // no command
		{ID: idBytes(0x04), Sender: Sender{Type: SenderClient, ID: 7}, Body: `{"module_id":"crm","command":"update","params":{}}`},
	})
	require.NoError(t, err)

	events, skipped := newTestDecoder(0).DecodeBinary(frame)
	require.Len(t, events, 2)
	assert.Equal(t, 2, skipped)

	first := events[0]
	assert.Equal(t, strings.Repeat("01", IDSize), first.ID)
	assert.Equal(t, "im", first.ModuleID)
	assert.Equal(t, "message", first.Command)
	assert.Equal(t, "hi", first.Params["text"])
	assert.Equal(t, SenderBackend, first.Extra.Sender.Type)
	assert.Equal(t, 19, first.Extra.RevisionWeb)
	assert.Equal(t, time.Unix(1772366390, 0), first.Extra.ServerTime)
	assert.Equal(t, 10*time.Second, first.Extra.ServerTimeAgo)
	assert.Equal(t, time.Minute, first.Expiry)

	second := events[1]
	assert.Equal(t, strings.Repeat("04", IDSize), second.ID)
	assert.Equal(t, SenderClient, second.Extra.Sender.Type)
	assert.Equal(t, int64(7), second.Extra.Sender.ID)
	assert.NotNil(t, second.Params)
	assert.True(t, second.Extra.ServerTime.IsZero())
}

func TestDecodeBinary_TimeShiftAndClamp(t *testing.T) {
	body := `{"module_id":"im","command":"m","params":{},"extra":{"server_time_unix":1772366390}}`
	frame, err := EncodeResponseBatch([]IncomingMessage{{ID: idBytes(0x01), Body: body}})
	require.NoError(t, err)

	// local clock 5s ahead of server: age shrinks by the shift
	events, _ := newTestDecoder(5 * time.Second).DecodeBinary(frame)
	require.Len(t, events, 1)
	assert.Equal(t, 5*time.Second, events[0].Extra.ServerTimeAgo)

	// shift larger than the age clamps to zero
	events, _ = newTestDecoder(time.Minute).DecodeBinary(frame)
	require.Len(t, events, 1)
	assert.Equal(t, time.Duration(0), events[0].Extra.ServerTimeAgo)
}

func TestDecodeBinary_Garbage(t *testing.T) {
	events, skipped := newTestDecoder(0).DecodeBinary([]byte{0xff, 0xfe, 0x01})
	assert.Empty(t, events)
	assert.Equal(t, 1, skipped)
}

func plainPart(mid, text string) string {
	return StartDelimiter + `{"id":1,"mid":"` + mid + `","channel":"private","tag":"t1","time":"1772366390","text":` + text + `}` + EndDelimiter
}

func TestDecodePlain(t *testing.T) {
	mid1 := strings.Repeat("aa", IDSize)
	mid2 := strings.Repeat("BB", IDSize)
	frame := plainPart(mid1, `{"module_id":"im","command":"a","params":{"n":1}}`) +
		StartDelimiter + `{broken` + EndDelimiter +
		plainPart(mid2, `"{\"module_id\":\"im\",\"command\":\"b\",\"params\":{}}"`) +
		StartDelimiter + `{"mid":"x","text":{"module_id":"im","command":"c"}}` // unterminated

	events, skipped := newTestDecoder(0).DecodePlain(frame)
	require.Len(t, events, 2)
	assert.Equal(t, 1, skipped)

	assert.Equal(t, mid1, events[0].ID)
	assert.Equal(t, "a", events[0].Command)
	assert.Equal(t, float64(1), events[0].Params["n"])
	assert.Equal(t, "t1", events[0].Tag)
	assert.Equal(t, "1772366390", events[0].Time)
	assert.Equal(t, "private", events[0].Channel)
	assert.Equal(t, time.Unix(1772366390, 0), events[0].Created)

	assert.Equal(t, strings.ToLower(mid2), events[1].ID, "ids are normalized to lowercase")
	assert.Equal(t, "b", events[1].Command)
}

func TestDecodePlain_NoDelimiters(t *testing.T) {
	events, skipped := newTestDecoder(0).DecodePlain("pong")
	assert.Empty(t, events)
	assert.Equal(t, 1, skipped)

	events, skipped = newTestDecoder(0).DecodePlain("   ")
	assert.Empty(t, events)
	assert.Equal(t, 0, skipped)
}

func TestSplitPlain(t *testing.T) {
	parts := SplitPlain("junk" + StartDelimiter + "a" + EndDelimiter + "mid" + StartDelimiter + "b" + EndDelimiter + "tail")
	assert.Equal(t, []string{"a", "b"}, parts)
	assert.Empty(t, SplitPlain(""))
}

func TestDecodeRPCMessages(t *testing.T) {
	params := json.RawMessage(`{"messages":[
		{"id":"` + strings.Repeat("0a", IDSize) + `","sender":{"type":2},"body":{"module_id":"pull","command":"config_expire","params":{}},"expiry":30,"created":1772366390},
		{"id":"bad","body":{"module_id":"im"}},
		{"id":"` + strings.Repeat("0b", IDSize) + `","text":{"module_id":"online","command":"list","params":{"users":{}}}}
	]}`)

	events, skipped := newTestDecoder(0).DecodeRPCMessages(params)
	require.Len(t, events, 2)
	assert.Equal(t, 1, skipped)

	assert.Equal(t, "pull", events[0].ModuleID)
	assert.Equal(t, "config_expire", events[0].Command)
	assert.Equal(t, SenderBackend, events[0].Extra.Sender.Type)
	assert.Equal(t, 30*time.Second, events[0].Expiry)
	assert.Equal(t, time.Unix(1772366390, 0), events[0].Created)

	assert.Equal(t, "online", events[1].ModuleID)

	events, skipped = newTestDecoder(0).DecodeRPCMessages(json.RawMessage(`[1,2]`))
	assert.Empty(t, events)
	assert.Equal(t, 1, skipped)
}

func TestEncodePublishBinary(t *testing.T) {
	receivers := []Receiver{{ID: strings.Repeat("ab", IDSize), Signature: "deadbeef"}}
	msg := Publish{ModuleID: "im", Command: "typing", Params: map[string]any{"dialog": 5}, ExpirySeconds: 10}

	frame, err := EncodePublishBinary(receivers, msg)
	require.NoError(t, err)

	batch, err := DecodeRequestBatch(frame)
	require.NoError(t, err)
	require.Len(t, batch.Requests, 1)
	require.NotNil(t, batch.Requests[0].OutgoingMessages)
	out := batch.Requests[0].OutgoingMessages.Messages
	require.Len(t, out, 1)

	assert.Equal(t, uint32(10), out[0].Expiry)
	require.Len(t, out[0].Receivers, 1)
	assert.Equal(t, idBytes(0xab), out[0].Receivers[0].ID)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, out[0].Receivers[0].Signature)
	assert.JSONEq(t, `{"module_id":"im","command":"typing","params":{"dialog":5}}`, out[0].Body)

	again, err := EncodePublishBinary(receivers, msg)
	require.NoError(t, err)
	assert.Equal(t, frame, again, "encoding is deterministic")
}

func TestEncodePublishPlain(t *testing.T) {
	receivers := []Receiver{{ID: strings.Repeat("AB", IDSize), Signature: "sig"}}
	data, err := EncodePublishPlain(receivers, Publish{ModuleID: "im", Command: "typing"})
	require.NoError(t, err)

	var decoded []PlainPublish
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, strings.Repeat("ab", IDSize), decoded[0].Receivers[0].ID)
	assert.Equal(t, "sig", decoded[0].Receivers[0].Signature)
	assert.JSONEq(t, `{"module_id":"im","command":"typing","params":{}}`, decoded[0].Body)
}

func TestEncodePublish_Validation(t *testing.T) {
	good := []Receiver{{ID: strings.Repeat("ab", IDSize), Signature: "00"}}

	_, err := EncodePublishBinary(nil, Publish{ModuleID: "im", Command: "x"})
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	_, err = EncodePublishBinary(good, Publish{ModuleID: "im"})
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	_, err = EncodePublishBinary([]Receiver{{ID: "short", Signature: "00"}}, Publish{ModuleID: "im", Command: "x"})
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	_, err = EncodePublishBinary([]Receiver{{ID: strings.Repeat("ab", IDSize), Signature: "xyz"}}, Publish{ModuleID: "im", Command: "x"})
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	_, err = EncodePublishPlain(good, Publish{ModuleID: "im", Command: "x", ExpirySeconds: -1})
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	_, err = EncodePublishPlain(good, Publish{ModuleID: "im", Command: "x", Params: make(chan int)})
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}

func TestRPCPublishParams(t *testing.T) {
	p, err := RPCPublishToUsers([]int64{1, 2}, Publish{ModuleID: "im", Command: "x", ExpirySeconds: 5})
	require.NoError(t, err)
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"userList":[1,2],"body":{"module_id":"im","command":"x","params":{}},"expiry":5}`, string(data))

	p, err = RPCPublishToChannels([]string{"c1"}, Publish{ModuleID: "im", Command: "x", Params: map[string]int{"a": 1}})
	require.NoError(t, err)
	data, err = json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"channelList":["c1"],"body":{"module_id":"im","command":"x","params":{"a":1}}}`, string(data))

	_, err = RPCPublishToUsers(nil, Publish{ModuleID: "im", Command: "x"})
	assert.ErrorIs(t, err, errors.ErrInvalidData)
	_, err = RPCPublishToChannels([]string{"c"}, Publish{Command: "x"})
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}

func TestSenderType_String(t *testing.T) {
	assert.Equal(t, "client", SenderClient.String())
	assert.Equal(t, "backend", SenderBackend.String())
	assert.Equal(t, "unknown", SenderType(9).String())
}
