package transport

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Kind identifies a connector variant.
type Kind int

const (
	// KindSocket is the persistent websocket connector.
	KindSocket Kind = iota
	// KindPolling is the long-polling connector.
	KindPolling
)

// String returns the name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindSocket:
		return "websocket"
	case KindPolling:
		return "polling"
	default:
		return "unknown"
	}
}

// Close codes reported through Handler.OnClose.
const (
	CloseNormal          = 1000
	CloseServerDie       = 1001
	CloseAbnormal        = 1006
	CloseConfigReplaced  = 3000
	CloseChannelExpired  = 3001
	CloseServerRestart   = 3002
	CloseConfigExpired   = 3003
	CloseManual          = 3004
	CloseStuck           = 3005
	CloseWrongChannelID  = 4010
	maxCloseReasonLength = 123
)

// CloseCodeName returns a short name for a close code.
func CloseCodeName(code int) string {
	switch code {
	case CloseNormal:
		return "normal"
	case CloseServerDie:
		return "server_die"
	case CloseAbnormal:
		return "abnormal"
	case CloseConfigReplaced:
		return "config_replaced"
	case CloseChannelExpired:
		return "channel_expired"
	case CloseServerRestart:
		return "server_restart"
	case CloseConfigExpired:
		return "config_expired"
	case CloseManual:
		return "manual"
	case CloseStuck:
		return "stuck"
	case CloseWrongChannelID:
		return "wrong_channel_id"
	default:
		return "other"
	}
}

// Frame is one inbound payload.
type Frame struct {
	Data   []byte
	Binary bool
}

// Text returns the payload as a string.
func (f Frame) Text() string { return string(f.Data) }

// Target describes where a connector connects.
type Target struct {
	// URL returns the address for the next request. The polling connector
	// calls it before every request so the cursor can move; it must be safe
	// for concurrent use.
	URL func() string
	// PublishURL receives outbound payloads of the polling connector.
	PublishURL string
	Header     http.Header
}

// StaticURL returns a URL builder that always yields u.
func StaticURL(u string) func() string {
	return func() string { return u }
}

// Handler receives connector events. Every event carries the connector that
// produced it. Callbacks for one connector are never concurrent, must not
// block, and stop after OnClose.
type Handler interface {
	OnOpen(c Connector)
	OnMessage(c Connector, f Frame)
	// OnError reports a failure; OnClose always follows.
	OnError(c Connector, err error)
	OnClose(c Connector, code int, reason string)
}

// Connector is one raw channel to the server. A Connector carries a single
// connection; reconnecting means creating a new one.
type Connector interface {
	Kind() Kind
	// Connect starts connecting in the background. Failures surface as
	// OnError followed by OnClose, never as a return value.
	Connect(ctx context.Context, target Target)
	// Disconnect closes gracefully. It is idempotent and leads to exactly
	// one OnClose carrying code and reason.
	Disconnect(code int, reason string)
	// Send writes payload and reports false when the connector is not open.
	Send(payload []byte, binary bool) bool
	Connected() bool
}

// Factory creates connectors.
type Factory interface {
	NewConnector(kind Kind, h Handler) Connector
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(kind Kind, h Handler) Connector

// NewConnector calls f.
func (f FactoryFunc) NewConnector(kind Kind, h Handler) Connector { return f(kind, h) }

// Options configures both connector variants.
type Options struct {
	HandshakeTimeout time.Duration
	PollTimeout      time.Duration
	UserAgent        string
	// HTTPClient is used by the polling connector. A client with
	// PollTimeout plus a margin is created when nil.
	HTTPClient *http.Client
	// TLSConfig applies to the websocket dial and to the default polling
	// client. Nil keeps the Go defaults.
	TLSConfig *tls.Config
	Logger    *slog.Logger
}

// DefaultOptions returns the connector defaults.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		PollTimeout:      60 * time.Second,
		UserAgent:        "pullclient",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = d.PollTimeout
	}
	if o.UserAgent == "" {
		o.UserAgent = d.UserAgent
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// NewFactory returns a Factory producing websocket and polling connectors.
func NewFactory(opts Options) Factory {
	return FactoryFunc(func(kind Kind, h Handler) Connector {
		if kind == KindPolling {
			return NewPolling(h, opts)
		}
		return NewSocket(h, opts)
	})
}

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateOpen
	stateClosing
	stateClosed
)

// emitter serializes handler callbacks and drops everything after close.
type emitter struct {
	mu     sync.Mutex
	closed bool
	h      Handler
	c      Connector
}

func (e *emitter) open() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.h.OnOpen(e.c)
	}
}

func (e *emitter) message(f Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.h.OnMessage(e.c, f)
	}
}

func (e *emitter) error(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.h.OnError(e.c, err)
	}
}

func (e *emitter) close(code int, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.h.OnClose(e.c, code, reason)
}

func truncateReason(reason string) string {
	if len(reason) > maxCloseReasonLength {
		return reason[:maxCloseReasonLength]
	}
	return reason
}
