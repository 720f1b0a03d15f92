package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
)

const (
	socketWriteWait = 10 * time.Second
	closeWriteWait  = time.Second
)

// Socket is the websocket connector.
type Socket struct {
	dialer    *websocket.Dialer
	userAgent string
	logger    *slog.Logger
	events    *emitter

	mu          sync.Mutex
	state       state
	conn        *websocket.Conn
	cancel      context.CancelFunc
	closeCode   int
	closeReason string

	writeMu sync.Mutex
}

// NewSocket creates a websocket connector reporting to h.
func NewSocket(h Handler, opts Options) *Socket {
	opts = opts.withDefaults()
	s := &Socket{
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
			TLSClientConfig:  opts.TLSConfig,
		},
		userAgent: opts.UserAgent,
		logger:    opts.Logger.With("component", "transport", "transport", KindSocket.String()),
	}
	s.events = &emitter{h: h, c: s}
	return s
}

// Kind returns KindSocket.
func (s *Socket) Kind() Kind { return KindSocket }

// Connected reports whether the socket is open.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateOpen
}

// Connect dials target.URL in the background.
func (s *Socket) Connect(ctx context.Context, target Target) {
	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		s.logger.Warn("Connect called on used connector")
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.state = stateConnecting
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx, target)
}

func (s *Socket) run(ctx context.Context, target Target) {
	defer s.cancel()

	header := target.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", s.userAgent)
	}

	url := ""
	if target.URL != nil {
		url = target.URL()
	}
	conn, _, err := s.dialer.DialContext(ctx, url, header)
	if err != nil {
		code, reason, manual := s.finish(CloseAbnormal, err.Error())
		if !manual {
			s.events.error(errors.WrapTransient(err, "transport", "Connect", "dial websocket"))
		}
		s.events.close(code, reason)
		return
	}

	s.mu.Lock()
	if s.state == stateClosing {
		code, reason := s.closeCode, s.closeReason
		s.state = stateClosed
		s.mu.Unlock()
		s.writeClose(conn, code, reason)
		_ = conn.Close()
		s.events.close(code, reason)
		return
	}
	s.conn = conn
	s.state = stateOpen
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	s.logger.Debug("Websocket open", "url", redactQuery(url))
	s.events.open()
	s.readLoop(conn)
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := CloseAbnormal, err.Error()
			var ce *websocket.CloseError
			peerClosed := errors.As(err, &ce)
			if peerClosed {
				code, reason = ce.Code, ce.Text
				if code == websocket.CloseNoStatusReceived {
					code = CloseNormal
				}
			}
			code, reason, manual := s.finish(code, reason)
			_ = conn.Close()
			if !manual && !peerClosed {
				s.events.error(errors.WrapTransient(err, "transport", "readLoop", "read websocket"))
			}
			s.events.close(code, reason)
			return
		}
		s.events.message(Frame{Data: data, Binary: mt == websocket.BinaryMessage})
	}
}

// finish marks the socket closed and returns the close code to report. A
// pending Disconnect wins over the observed code.
func (s *Socket) finish(code int, reason string) (int, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	manual := s.state == stateClosing
	if manual {
		code, reason = s.closeCode, s.closeReason
	}
	s.state = stateClosed
	s.conn = nil
	return code, reason, manual
}

// Disconnect sends a close frame and closes the connection.
func (s *Socket) Disconnect(code int, reason string) {
	s.mu.Lock()
	switch s.state {
	case stateConnecting, stateOpen:
	default:
		s.mu.Unlock()
		return
	}
	s.state = stateClosing
	s.closeCode, s.closeReason = code, truncateReason(reason)
	conn, cancel := s.conn, s.cancel
	s.mu.Unlock()

	if conn == nil {
		cancel()
		return
	}
	// The close handshake never waits on the caller's goroutine.
	go func() {
		s.writeClose(conn, code, reason)
		_ = conn.Close()
		cancel()
	}()
}

func (s *Socket) writeClose(conn *websocket.Conn, code int, reason string) {
	// 1005 and 1006 must not appear on the wire.
	if code == CloseAbnormal || code == websocket.CloseNoStatusReceived {
		code = CloseNormal
	}
	msg := websocket.FormatCloseMessage(code, truncateReason(reason))
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait)); err != nil {
		s.logger.Debug("Close frame not sent", "error", err)
	}
}

// Send writes one message. It returns false when the socket is not open or
// the write fails; a failed write also ends the read loop.
func (s *Socket) Send(payload []byte, binary bool) bool {
	s.mu.Lock()
	conn := s.conn
	open := s.state == stateOpen
	s.mu.Unlock()
	if !open || conn == nil {
		return false
	}

	mt := websocket.TextMessage
	if binary {
		mt = websocket.BinaryMessage
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	if err := conn.WriteMessage(mt, payload); err != nil {
		s.logger.Debug("Websocket write failed", "error", err)
		_ = conn.Close()
		return false
	}
	return true
}
