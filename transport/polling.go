package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
)

const (
	maxPollBody       = 16 << 20
	pollTimeoutMargin = 10 * time.Second
)

// Polling is the long-polling connector. It is open as soon as it starts
// polling; every 200 response is delivered as one frame.
type Polling struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
	events    *emitter

	mu          sync.Mutex
	state       state
	ctx         context.Context
	cancel      context.CancelFunc
	target      Target
	closeCode   int
	closeReason string
	wg          sync.WaitGroup
}

// NewPolling creates a long-polling connector reporting to h.
func NewPolling(h Handler, opts Options) *Polling {
	opts = opts.withDefaults()
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.PollTimeout + pollTimeoutMargin}
		if opts.TLSConfig != nil {
			tr := http.DefaultTransport.(*http.Transport).Clone()
			tr.TLSClientConfig = opts.TLSConfig
			client.Transport = tr
		}
	}
	p := &Polling{
		client:    client,
		userAgent: opts.UserAgent,
		logger:    opts.Logger.With("component", "transport", "transport", KindPolling.String()),
	}
	p.events = &emitter{h: h, c: p}
	return p
}

// Kind returns KindPolling.
func (p *Polling) Kind() Kind { return KindPolling }

// Connected reports whether the connector is polling.
func (p *Polling) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateOpen
}

// Connect starts the poll loop.
func (p *Polling) Connect(ctx context.Context, target Target) {
	p.mu.Lock()
	if p.state != stateIdle {
		p.mu.Unlock()
		p.logger.Warn("Connect called on used connector")
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.target = target
	p.state = stateConnecting
	p.mu.Unlock()

	go p.run()
}

func (p *Polling) run() {
	p.mu.Lock()
	if p.state != stateConnecting {
		p.mu.Unlock()
		p.finishAndClose(CloseAbnormal, "disconnected", nil)
		return
	}
	p.state = stateOpen
	ctx, target := p.ctx, p.target
	p.mu.Unlock()

	p.events.open()

	for {
		if ctx.Err() != nil {
			p.finishAndClose(CloseAbnormal, "context done", nil)
			return
		}
		u := ""
		if target.URL != nil {
			u = target.URL()
		}
		status, body, binary, err := p.request(ctx, http.MethodGet, u, target.Header, nil)
		if ctx.Err() != nil {
			p.finishAndClose(CloseAbnormal, "context done", nil)
			return
		}
		if err != nil {
			p.finishAndClose(CloseAbnormal, err.Error(),
				errors.WrapTransient(err, "transport", "poll", "long-poll request"))
			return
		}

		switch {
		case status == http.StatusOK:
			if len(body) > 0 {
				p.events.message(Frame{Data: body, Binary: binary})
			}
		case status == http.StatusNotModified:
		case status == http.StatusBadRequest:
			p.finishAndClose(CloseWrongChannelID, "wrong channel signature", nil)
			return
		default:
			err := fmt.Errorf("%w: poll status %d", errors.ErrConnectionLost, status)
			p.finishAndClose(CloseAbnormal, err.Error(),
				errors.WrapTransient(err, "transport", "poll", "long-poll request"))
			return
		}
	}
}

func (p *Polling) request(ctx context.Context, method, u string, header http.Header, payload []byte) (int, []byte, bool, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, nil, false, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, false, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPollBody))
	if err != nil {
		return 0, nil, false, err
	}
	binary := strings.HasPrefix(resp.Header.Get("Content-Type"), "application/octet-stream")
	return resp.StatusCode, data, binary, nil
}

// finishAndClose waits for in-flight sends, then reports err (when the close
// was not requested) and the close code.
func (p *Polling) finishAndClose(code int, reason string, err error) {
	p.mu.Lock()
	manual := p.state == stateClosing
	if manual {
		code, reason = p.closeCode, p.closeReason
	}
	p.state = stateClosed
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	if err != nil && !manual {
		p.events.error(err)
	}
	p.events.close(code, reason)
}

// Disconnect stops polling.
func (p *Polling) Disconnect(code int, reason string) {
	p.mu.Lock()
	switch p.state {
	case stateConnecting, stateOpen:
	default:
		p.mu.Unlock()
		return
	}
	p.state = stateClosing
	p.closeCode, p.closeReason = code, truncateReason(reason)
	cancel := p.cancel
	p.mu.Unlock()
	cancel()
}

// Send posts payload to the publish URL in the background. The response
// body, which carries RPC replies, is delivered as an inbound frame.
func (p *Polling) Send(payload []byte, binary bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateOpen || p.target.PublishURL == "" {
		return false
	}
	ctx, target := p.ctx, p.target
	header := target.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if binary {
		header.Set("Content-Type", "application/octet-stream")
	} else {
		header.Set("Content-Type", "text/plain;charset=utf-8")
	}
	data := append([]byte(nil), payload...)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		status, body, isBinary, err := p.request(ctx, http.MethodPost, target.PublishURL, header, data)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("Publish request failed", "error", err)
			}
			return
		}
		if status != http.StatusOK {
			p.logger.Warn("Publish rejected", "status", status)
			return
		}
		if len(body) > 0 && ctx.Err() == nil {
			p.events.message(Frame{Data: body, Binary: isBinary})
		}
	}()
	return true
}

func redactQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}
