package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/metric"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/clock"
)

// Version is the protocol version sent with every message.
const Version = "2.0"

// DefaultTimeout applies when a call passes no timeout.
const DefaultTimeout = 5 * time.Second

// Fault codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error is a JSON-RPC fault. It matches errors.ErrRPCFault.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Unwrap lets errors.Is match ErrRPCFault.
func (e *Error) Unwrap() error { return errors.ErrRPCFault }

// NewError creates a fault.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// message is the union of request, notification and response.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func (m *message) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// Handler serves an inbound command. Its result is sent back when the
// command carries an id; returning an *Error sends that fault.
type Handler func(params json.RawMessage) (any, error)

// Call is an outbound request awaiting its reply.
type Call struct {
	ID     int64
	Method string

	done    chan struct{}
	result  json.RawMessage
	err     error
	started time.Time
	timer   *clock.Timer
}

// Done is closed once the call is settled.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the reply. It is valid after Done is closed.
func (c *Call) Result() (json.RawMessage, error) {
	<-c.done
	return c.result, c.err
}

// Decode waits for the reply and unmarshals it into out.
func (c *Call) Decode(out any) error {
	result, err := c.Result()
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return errors.WrapInvalid(err, "rpc", "Decode", "decode "+c.Method+" result")
	}
	return nil
}

func (c *Call) finish(result json.RawMessage, err error) {
	c.result, c.err = result, err
	close(c.done)
}

func failedCall(method string, err error) *Call {
	c := &Call{Method: method, done: make(chan struct{})}
	c.finish(nil, err)
	return c
}

// Adapter correlates JSON-RPC requests and replies over a frame sender and
// dispatches inbound commands.
//
// Every pending call is settled exactly once: by its reply, its timeout or
// CancelAll. Safe for concurrent use.
type Adapter struct {
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metric.Metrics
	timeout time.Duration

	mu       sync.Mutex
	send     func([]byte) bool
	nextID   int64
	pending  map[int64]*Call
	handlers map[string]Handler
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClock sets the clock used for timeouts.
func WithClock(c clock.Clock) Option { return func(a *Adapter) { a.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Adapter) { a.logger = l } }

// WithMetrics records call outcomes.
func WithMetrics(m *metric.Metrics) Option { return func(a *Adapter) { a.metrics = m } }

// WithDefaultTimeout overrides DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option { return func(a *Adapter) { a.timeout = d } }

// NewAdapter creates an adapter with no sender; calls fail with
// ErrNotOnline until SetSender is called.
func NewAdapter(opts ...Option) *Adapter {
	a := &Adapter{
		clock:    clock.Real(),
		logger:   slog.Default(),
		timeout:  DefaultTimeout,
		pending:  make(map[int64]*Call),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "rpc")
	return a
}

// SetSender sets the function that writes frames. nil detaches the adapter
// from the transport.
func (a *Adapter) SetSender(send func([]byte) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.send = send
}

// Handle registers h for inbound method. A nil h removes it.
func (a *Adapter) Handle(method string, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h == nil {
		delete(a.handlers, method)
		return
	}
	a.handlers[method] = h
}

// Go sends a request and returns without waiting. A timeout of zero uses the
// adapter default.
func (a *Adapter) Go(method string, params any, timeout time.Duration) *Call {
	if timeout <= 0 {
		timeout = a.timeout
	}
	rawParams, err := encodeParams(params)
	if err != nil {
		return failedCall(method, errors.WrapInvalid(err, "rpc", "Go", "encode params"))
	}

	a.mu.Lock()
	send := a.send
	if send == nil {
		a.mu.Unlock()
		return failedCall(method, errors.ErrNotOnline)
	}
	a.nextID++
	id := a.nextID
	payload, err := json.Marshal(message{JSONRPC: Version, Method: method, Params: rawParams, ID: idBytes(id)})
	if err != nil {
		a.mu.Unlock()
		return failedCall(method, errors.WrapInvalid(err, "rpc", "Go", "encode request"))
	}
	call := &Call{ID: id, Method: method, done: make(chan struct{}), started: a.clock.Now()}
	a.pending[id] = call
	call.timer = a.clock.AfterFunc(timeout, func() {
		a.settle(id, nil, errors.WrapTransient(
			fmt.Errorf("%w: %s after %s", errors.ErrRPCTimeout, method, timeout), "rpc", "Go", "await reply"))
	})
	pending := len(a.pending)
	a.mu.Unlock()

	a.metrics.RecordRPCPending(pending)
	if !send(payload) {
		a.settle(id, nil, errors.WrapTransient(errors.ErrSendFailed, "rpc", "Go", "send "+method))
	}
	return call
}

// Call sends a request and waits for the reply, decoding it into out.
// Cancelling ctx abandons the call.
func (a *Adapter) Call(ctx context.Context, method string, params any, timeout time.Duration, out any) error {
	call := a.Go(method, params, timeout)
	select {
	case <-call.Done():
	case <-ctx.Done():
		a.settle(call.ID, nil, fmt.Errorf("%w: %v", errors.ErrCancelled, ctx.Err()))
	}
	return call.Decode(out)
}

// Notify sends a request without an id; no reply is expected.
func (a *Adapter) Notify(method string, params any) error {
	rawParams, err := encodeParams(params)
	if err != nil {
		return errors.WrapInvalid(err, "rpc", "Notify", "encode params")
	}
	payload, err := json.Marshal(message{JSONRPC: Version, Method: method, Params: rawParams})
	if err != nil {
		return errors.WrapInvalid(err, "rpc", "Notify", "encode notification")
	}
	a.mu.Lock()
	send := a.send
	a.mu.Unlock()
	if send == nil {
		return errors.ErrNotOnline
	}
	if !send(payload) {
		return errors.WrapTransient(errors.ErrSendFailed, "rpc", "Notify", "send "+method)
	}
	return nil
}

// settle resolves the pending call id. It returns false when the call was
// already settled.
func (a *Adapter) settle(id int64, result json.RawMessage, err error) bool {
	a.mu.Lock()
	call, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	pending := len(a.pending)
	a.mu.Unlock()
	if !ok {
		return false
	}

	if call.timer != nil {
		call.timer.Stop()
	}
	call.finish(result, err)

	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, errors.ErrRPCTimeout):
		status = "timeout"
	case errors.Is(err, errors.ErrRPCFault):
		status = "fault"
	default:
		status = "cancelled"
	}
	a.metrics.RecordRPC(call.Method, status, a.clock.Now().Sub(call.started))
	a.metrics.RecordRPCPending(pending)
	return true
}

// CancelAll rejects every pending call with err.
func (a *Adapter) CancelAll(err error) int {
	a.mu.Lock()
	ids := make([]int64, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	n := 0
	for _, id := range ids {
		if a.settle(id, nil, err) {
			n++
		}
	}
	if n > 0 {
		a.logger.Debug("Pending calls rejected", "count", n, "error", err)
	}
	return n
}

// Pending returns the number of unsettled calls.
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// HandleMessage processes one inbound frame: replies settle pending calls,
// commands go to their handlers. It returns false when data is not JSON-RPC.
func (a *Adapter) HandleMessage(data []byte) bool {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return false
	}

	var batch []json.RawMessage
	if data[0] == '[' {
		if err := json.Unmarshal(data, &batch); err != nil {
			a.logger.Warn("Malformed rpc batch", "error", err, "code", CodeParseError)
			return false
		}
	} else {
		batch = []json.RawMessage{data}
	}

	var replies []json.RawMessage
	recognised := false
	for _, raw := range batch {
		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			a.logger.Warn("Malformed rpc message", "error", err, "code", CodeParseError)
			continue
		}
		if msg.JSONRPC != Version {
			continue
		}
		recognised = true
		if reply := a.dispatch(&msg); reply != nil {
			replies = append(replies, reply)
		}
	}

	a.reply(replies, data[0] == '[')
	return recognised
}

func (a *Adapter) dispatch(msg *message) json.RawMessage {
	switch {
	case msg.Method != "":
		return a.serve(msg)
	case msg.hasID() && (msg.Result != nil || msg.Error != nil):
		id, ok := parseID(msg.ID)
		if !ok {
			a.logger.Debug("Reply with foreign id", "id", string(msg.ID))
			return nil
		}
		var err error
		if msg.Error != nil {
			err = msg.Error
		}
		if !a.settle(id, msg.Result, err) {
			a.logger.Debug("Reply for unknown call ignored", "id", id)
		}
		return nil
	case msg.hasID():
		return encodeReply(msg.ID, nil, NewError(CodeInvalidRequest, "invalid request"))
	default:
		a.logger.Debug("Invalid rpc message ignored", "code", CodeInvalidRequest)
		return nil
	}
}

func (a *Adapter) serve(msg *message) json.RawMessage {
	a.mu.Lock()
	h := a.handlers[msg.Method]
	a.mu.Unlock()

	if h == nil {
		if !msg.hasID() {
			a.logger.Debug("Notification for unknown method ignored", "method", msg.Method)
			return nil
		}
		return encodeReply(msg.ID, nil, NewError(CodeMethodNotFound, "method not found: "+msg.Method))
	}

	result, err := h(msg.Params)
	if !msg.hasID() {
		if err != nil {
			a.logger.Warn("Command handler failed", "method", msg.Method, "error", err)
		}
		return nil
	}
	if err != nil {
		var fault *Error
		if !errors.As(err, &fault) {
			fault = NewError(CodeInternalError, err.Error())
		}
		return encodeReply(msg.ID, nil, fault)
	}
	if result == nil {
		result = struct{}{}
	}
	return encodeReply(msg.ID, result, nil)
}

func (a *Adapter) reply(replies []json.RawMessage, asBatch bool) {
	if len(replies) == 0 {
		return
	}
	a.mu.Lock()
	send := a.send
	a.mu.Unlock()
	if send == nil {
		return
	}

	var payloads [][]byte
	if asBatch {
		data, err := json.Marshal(replies)
		if err != nil {
			a.logger.Error("Encode rpc batch reply", "error", err)
			return
		}
		payloads = append(payloads, data)
	} else {
		for _, r := range replies {
			payloads = append(payloads, r)
		}
	}
	for _, p := range payloads {
		if !send(p) {
			a.logger.Debug("Rpc reply not sent")
		}
	}
}

func encodeReply(id json.RawMessage, result any, fault *Error) json.RawMessage {
	msg := message{JSONRPC: Version, ID: id, Error: fault}
	if fault == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			msg.Error = NewError(CodeInternalError, "encode result: "+err.Error())
		} else {
			msg.Result = raw
		}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return data
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

func idBytes(id int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf("%d", id))
}

func parseID(raw json.RawMessage) (int64, bool) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	id, err := n.Int64()
	return id, err == nil
}
