package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	kind   string
	conn   Connector
	frame  Frame
	err    error
	code   int
	reason string
}

type recorder struct {
	events chan recorded
}

func newRecorder() *recorder { return &recorder{events: make(chan recorded, 64)} }

func (r *recorder) OnOpen(c Connector) { r.events <- recorded{kind: "open", conn: c} }
func (r *recorder) OnMessage(c Connector, f Frame) {
	r.events <- recorded{kind: "message", conn: c, frame: f}
}
func (r *recorder) OnError(c Connector, err error) { r.events <- recorded{kind: "error", conn: c, err: err} }
func (r *recorder) OnClose(c Connector, code int, reason string) {
	r.events <- recorded{kind: "close", conn: c, code: code, reason: reason}
}

func (r *recorder) next(t *testing.T) recorded {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connector event")
		return recorded{}
	}
}

func (r *recorder) expect(t *testing.T, kind string) recorded {
	t.Helper()
	ev := r.next(t)
	require.Equal(t, kind, ev.kind, "unexpected event %+v", ev)
	return ev
}

func (r *recorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSocket_OpenMessagesSendAndDisconnect(t *testing.T) {
	closeCodes := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("hello"))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2})
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				if ce, ok := err.(*websocket.CloseError); ok {
					closeCodes <- ce.Code
				}
				return
			}
			_ = conn.WriteMessage(mt, append([]byte("echo:"), data...))
		}
	}))
	defer srv.Close()

	rec := newRecorder()
	s := NewSocket(rec, Options{})
	assert.Equal(t, KindSocket, s.Kind())
	assert.False(t, s.Send([]byte("early"), false), "send before open")

	s.Connect(context.Background(), Target{URL: StaticURL(wsURL(srv))})

	ev := rec.expect(t, "open")
	assert.Same(t, s, ev.conn)
	assert.True(t, s.Connected())

	ev = rec.expect(t, "message")
	assert.Equal(t, "hello", ev.frame.Text())
	assert.False(t, ev.frame.Binary)

	ev = rec.expect(t, "message")
	assert.Equal(t, []byte{1, 2}, ev.frame.Data)
	assert.True(t, ev.frame.Binary)

	require.True(t, s.Send([]byte("pong"), false))
	ev = rec.expect(t, "message")
	assert.Equal(t, "echo:pong", ev.frame.Text())

	s.Disconnect(CloseManual, "manual")
	ev = rec.expect(t, "close")
	assert.Equal(t, CloseManual, ev.code)
	assert.Equal(t, "manual", ev.reason)
	assert.False(t, s.Connected())
	assert.False(t, s.Send([]byte("late"), false))

	s.Disconnect(CloseNormal, "again")
	rec.expectNone(t)

	select {
	case code := <-closeCodes:
		assert.Equal(t, CloseManual, code)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive close frame")
	}
}

func TestSocket_ServerCloseCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg := websocket.FormatCloseMessage(CloseServerRestart, "restart")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	rec := newRecorder()
	s := NewSocket(rec, Options{})
	s.Connect(context.Background(), Target{URL: StaticURL(wsURL(srv))})

	rec.expect(t, "open")
	ev := rec.expect(t, "close")
	assert.Equal(t, CloseServerRestart, ev.code)
	assert.Equal(t, "restart", ev.reason)
}

func TestSocket_DialFailureReportsErrorThenClose(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	rec := newRecorder()
	s := NewSocket(rec, Options{HandshakeTimeout: time.Second})
	s.Connect(context.Background(), Target{URL: StaticURL(url)})

	ev := rec.expect(t, "error")
	assert.Error(t, ev.err)
	ev = rec.expect(t, "close")
	assert.Equal(t, CloseAbnormal, ev.code)
	assert.False(t, s.Connected())
}

func TestSocket_DisconnectIdleIsNoop(t *testing.T) {
	rec := newRecorder()
	s := NewSocket(rec, Options{})
	s.Disconnect(CloseNormal, "")
	rec.expectNone(t)
}

func TestSocket_DisconnectDoesNotWaitForWriter(t *testing.T) {
	closeCodes := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, err = conn.ReadMessage()
		if ce, ok := err.(*websocket.CloseError); ok {
			closeCodes <- ce.Code
		}
	}))
	defer srv.Close()

	rec := newRecorder()
	s := NewSocket(rec, Options{})
	s.Connect(context.Background(), Target{URL: StaticURL(wsURL(srv))})
	rec.expect(t, "open")

	// A writer stuck on a half-open connection holds the write lock.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	began := time.Now()
	s.Disconnect(CloseConfigExpired, "reload")
	assert.Less(t, time.Since(began), 100*time.Millisecond)

	assert.Equal(t, CloseConfigExpired, rec.expect(t, "close").code)
	select {
	case code := <-closeCodes:
		assert.Equal(t, CloseConfigExpired, code)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive close frame")
	}
}

func TestSocket_UsedConnectorIgnoresSecondConnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	rec := newRecorder()
	s := NewSocket(rec, Options{})
	s.Connect(context.Background(), Target{URL: StaticURL(wsURL(srv))})
	rec.expect(t, "open")

	s.Connect(context.Background(), Target{URL: StaticURL(wsURL(srv))})
	rec.expectNone(t)

	s.Disconnect(CloseNormal, "done")
	assert.Equal(t, CloseNormal, rec.expect(t, "close").code)
}

func TestPolling_StatusMapping(t *testing.T) {
	var requests atomic.Int32
	seen := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.URL.Query().Get("n")
		switch requests.Add(1) {
		case 1:
			w.WriteHeader(http.StatusNotModified)
		case 2:
			_, _ = w.Write([]byte("frame-one"))
		case 3:
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write([]byte{0xa1})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	var n atomic.Int32
	target := Target{URL: func() string {
		return fmt.Sprintf("%s/sub?n=%d", srv.URL, n.Add(1))
	}}

	rec := newRecorder()
	p := NewPolling(rec, Options{})
	assert.Equal(t, KindPolling, p.Kind())
	p.Connect(context.Background(), target)

	rec.expect(t, "open")
	ev := rec.expect(t, "message")
	assert.Equal(t, "frame-one", ev.frame.Text())
	assert.False(t, ev.frame.Binary)

	ev = rec.expect(t, "message")
	assert.True(t, ev.frame.Binary)

	ev = rec.expect(t, "close")
	assert.Equal(t, CloseWrongChannelID, ev.code)

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, <-seen)
	}
	assert.Equal(t, []string{"1", "2", "3", "4"}, got, "url rebuilt before every request")
}

func TestPolling_ServerErrorClosesAbnormally(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rec := newRecorder()
	p := NewPolling(rec, Options{})
	p.Connect(context.Background(), Target{URL: StaticURL(srv.URL)})

	rec.expect(t, "open")
	ev := rec.expect(t, "error")
	assert.Contains(t, ev.err.Error(), "502")
	ev = rec.expect(t, "close")
	assert.Equal(t, CloseAbnormal, ev.code)
}

func TestPolling_SendFeedsReplyBackAndDisconnect(t *testing.T) {
	release := make(chan struct{})
	bodies := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			bodies <- r.Header.Get("Content-Type")
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
			return
		}
		select {
		case <-r.Context().Done():
		case <-release:
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()
	defer close(release)

	rec := newRecorder()
	p := NewPolling(rec, Options{})
	assert.False(t, p.Send([]byte("x"), false), "send before open")

	p.Connect(context.Background(), Target{URL: StaticURL(srv.URL), PublishURL: srv.URL + "/pub"})
	rec.expect(t, "open")
	assert.True(t, p.Connected())

	require.True(t, p.Send([]byte(`{"jsonrpc":"2.0","method":"ping","id":1}`), false))
	ev := rec.expect(t, "message")
	assert.Contains(t, ev.frame.Text(), `"result"`)
	assert.Contains(t, <-bodies, "text/plain")

	p.Disconnect(CloseNormal, "bye")
	ev = rec.expect(t, "close")
	assert.Equal(t, CloseNormal, ev.code)
	assert.Equal(t, "bye", ev.reason)
	assert.False(t, p.Connected())

	p.Disconnect(CloseNormal, "again")
	rec.expectNone(t)
}

func TestPolling_SendWithoutPublishURL(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()
	defer close(release)

	rec := newRecorder()
	p := NewPolling(rec, Options{})
	p.Connect(context.Background(), Target{URL: StaticURL(srv.URL)})
	rec.expect(t, "open")

	assert.False(t, p.Send([]byte("x"), false))
	p.Disconnect(CloseNormal, "")
	rec.expect(t, "close")
}

func TestFactory(t *testing.T) {
	f := NewFactory(Options{})
	rec := newRecorder()
	assert.Equal(t, KindSocket, f.NewConnector(KindSocket, rec).Kind())
	assert.Equal(t, KindPolling, f.NewConnector(KindPolling, rec).Kind())
}

func TestCloseCodeName(t *testing.T) {
	assert.Equal(t, "server_restart", CloseCodeName(CloseServerRestart))
	assert.Equal(t, "wrong_channel_id", CloseCodeName(CloseWrongChannelID))
	assert.Equal(t, "other", CloseCodeName(4999))
	assert.Equal(t, "websocket", KindSocket.String())
}
