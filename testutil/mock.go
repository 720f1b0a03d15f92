package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/transport"
)

// RecordedCall is one call seen by FakeCaller.
type RecordedCall struct {
	Method string
	Params any
}

// FakeCaller is an in-memory restapi.Caller. Results are JSON-encoded and
// decoded into the caller's out value, so handlers may return maps,
// structs, raw JSON strings or []byte.
//
// Thread-safe for concurrent use.
type FakeCaller struct {
	mu       sync.Mutex
	handlers map[string]func(params any) (any, error)
	calls    []RecordedCall
}

// NewFakeCaller creates a caller with no methods.
func NewFakeCaller() *FakeCaller {
	return &FakeCaller{handlers: make(map[string]func(any) (any, error))}
}

// Handle registers fn for method.
func (f *FakeCaller) Handle(method string, fn func(params any) (any, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = fn
}

// Respond makes method return result.
func (f *FakeCaller) Respond(method string, result any) {
	f.Handle(method, func(any) (any, error) { return result, nil })
}

// Fail makes method return err.
func (f *FakeCaller) Fail(method string, err error) {
	f.Handle(method, func(any) (any, error) { return nil, err })
}

// Call implements restapi.Caller.
func (f *FakeCaller) Call(ctx context.Context, method string, params any, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.calls = append(f.calls, RecordedCall{Method: method, Params: params})
	fn := f.handlers[method]
	f.mu.Unlock()

	if fn == nil {
		return fmt.Errorf("fake caller: no handler for %s", method)
	}
	result, err := fn(params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	var data []byte
	switch r := result.(type) {
	case []byte:
		data = r
	case json.RawMessage:
		data = r
	case string:
		data = []byte(r)
	default:
		if data, err = json.Marshal(r); err != nil {
			return err
		}
	}
	return json.Unmarshal(data, out)
}

// Calls returns the recorded calls of method, or all calls when method is "".
func (f *FakeCaller) Calls(method string) []RecordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []RecordedCall
	for _, c := range f.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// CallCount returns how often method was called.
func (f *FakeCaller) CallCount(method string) int {
	return len(f.Calls(method))
}

// SentFrame is a payload passed to FakeConnector.Send.
type SentFrame struct {
	Data   []byte
	Binary bool
}

// FakeConnector is a scripted transport.Connector. Tests drive it with
// Open, Deliver, Fail and CloseWith; the handler sees the same event order
// a real connector produces.
type FakeConnector struct {
	kind    transport.Kind
	handler transport.Handler
	factory *FakeFactory

	mu        sync.Mutex
	target    transport.Target
	connected bool
	closed    bool
	sendOK    bool
	sent      []SentFrame
	closeCode int
}

// Kind implements transport.Connector.
func (c *FakeConnector) Kind() transport.Kind { return c.kind }

// Connect records target and announces the connector to its factory.
func (c *FakeConnector) Connect(_ context.Context, target transport.Target) {
	c.mu.Lock()
	c.target = target
	c.mu.Unlock()
	if c.factory != nil {
		c.factory.connected <- c
	}
}

// Target returns the target passed to Connect.
func (c *FakeConnector) Target() transport.Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Open reports the connector open.
func (c *FakeConnector) Open() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.connected = true
	c.mu.Unlock()
	c.handler.OnOpen(c)
}

// Deliver reports an inbound frame.
func (c *FakeConnector) Deliver(data []byte, binary bool) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.handler.OnMessage(c, transport.Frame{Data: data, Binary: binary})
	}
}

// DeliverText reports an inbound text frame.
func (c *FakeConnector) DeliverText(text string) { c.Deliver([]byte(text), false) }

// Fail reports err followed by an abnormal close.
func (c *FakeConnector) Fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.handler.OnError(c, err)
	c.CloseWith(transport.CloseAbnormal, err.Error())
}

// CloseWith reports a close initiated by the peer.
func (c *FakeConnector) CloseWith(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.connected = false
	c.closeCode = code
	c.mu.Unlock()
	c.handler.OnClose(c, code, reason)
}

// Disconnect implements transport.Connector.
func (c *FakeConnector) Disconnect(code int, reason string) {
	c.CloseWith(code, reason)
}

// Closed reports whether the connector closed and with which code.
func (c *FakeConnector) Closed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

// SetSendResult makes Send report ok while connected.
func (c *FakeConnector) SetSendResult(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendOK = ok
}

// Send implements transport.Connector.
func (c *FakeConnector) Send(payload []byte, binary bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || !c.sendOK {
		return false
	}
	c.sent = append(c.sent, SentFrame{Data: append([]byte(nil), payload...), Binary: binary})
	return true
}

// Connected implements transport.Connector.
func (c *FakeConnector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Sent returns every payload sent so far.
func (c *FakeConnector) Sent() []SentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentFrame(nil), c.sent...)
}

// WaitSent waits until at least n payloads were sent and returns them.
func (c *FakeConnector) WaitSent(t testing.TB, n int) []SentFrame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sent := c.Sent(); len(sent) >= n {
			return sent
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected %d sent frames, got %d", n, len(c.Sent()))
	return nil
}

// FakeFactory is a transport.Factory producing FakeConnectors.
type FakeFactory struct {
	mu         sync.Mutex
	connectors []*FakeConnector
	connected  chan *FakeConnector
}

// NewFakeFactory creates a factory.
func NewFakeFactory() *FakeFactory {
	return &FakeFactory{connected: make(chan *FakeConnector, 256)}
}

// NewConnector implements transport.Factory.
func (f *FakeFactory) NewConnector(kind transport.Kind, h transport.Handler) transport.Connector {
	c := &FakeConnector{kind: kind, handler: h, factory: f, sendOK: true}
	f.mu.Lock()
	f.connectors = append(f.connectors, c)
	f.mu.Unlock()
	return c
}

// Connectors returns every connector created so far.
func (f *FakeFactory) Connectors() []*FakeConnector {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeConnector(nil), f.connectors...)
}

// Next waits for the next Connect call.
func (f *FakeFactory) Next(t testing.TB) *FakeConnector {
	t.Helper()
	select {
	case c := <-f.connected:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a connect")
		return nil
	}
}

// ExpectNoConnect fails if a Connect happens within d.
func (f *FakeFactory) ExpectNoConnect(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case c := <-f.connected:
		t.Fatalf("unexpected connect of %s connector", c.Kind())
	case <-time.After(d):
	}
}
