// Package restapi is the narrow REST call primitive the pull client needs:
// one method, JSON params in, JSON result out.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
)

// maxResponseSize bounds REST response bodies.
const maxResponseSize = 8 << 20

// Caller invokes a REST method and decodes its result into out. out may be
// nil when the result is not needed.
type Caller interface {
	Call(ctx context.Context, method string, params any, out any) error
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, method string, params any, out any) error

// Call implements Caller.
func (f CallerFunc) Call(ctx context.Context, method string, params any, out any) error {
	return f(ctx, method, params, out)
}

// Error is a structured error returned by the REST endpoint. Callers can
// use errors.As to extract it.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
	StatusCode  int    `json:"-"`
	Method      string `json:"-"`
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("rest %s: %s (%d): %s", e.Method, e.Code, e.StatusCode, e.Description)
	}
	return fmt.Sprintf("rest %s: %s (%d)", e.Method, e.Code, e.StatusCode)
}

// Temporary reports whether retrying the call may succeed.
func (e *Error) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests ||
		e.Code == "QUERY_LIMIT_EXCEEDED" || e.Code == "expired_token"
}

// Config holds configuration for creating an HTTPCaller.
type Config struct {
	// BaseURL is the REST root, e.g. https://portal.example.com/rest/.
	BaseURL string
	// AuthToken is sent as the "auth" query parameter when set.
	AuthToken string
	// Timeout bounds each call. Zero leaves it to ctx.
	Timeout time.Duration
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// RateLimit caps calls per second. Zero disables limiting.
	RateLimit float64
	// RateBurst is the limiter bucket size; defaults to 1.
	RateBurst int
}

// HTTPCaller calls REST methods as POST <base>/<method>.json with a JSON body.
type HTTPCaller struct {
	baseURL    string
	authToken  string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewHTTPCaller validates cfg and returns a caller.
func NewHTTPCaller(cfg Config) (*HTTPCaller, error) {
	if cfg.BaseURL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "restapi", "NewHTTPCaller", "check base url")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: base url %q", errors.ErrInvalidConfig, cfg.BaseURL),
			"restapi", "NewHTTPCaller", "parse base url")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := max(cfg.RateBurst, 1)
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &HTTPCaller{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		authToken:  cfg.AuthToken,
		timeout:    cfg.Timeout,
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger.With("component", "restapi"),
	}, nil
}

type envelope struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// Call implements Caller.
func (c *HTTPCaller) Call(ctx context.Context, method string, params any, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionTimeout, err), "restapi", "Call", "wait for rate limit")
		}
	}

	requestURL := c.baseURL + "/" + method + ".json"
	if c.authToken != "" {
		requestURL += "?" + url.Values{"auth": {c.authToken}}.Encode()
	}

	if params == nil {
		params = map[string]any{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return errors.WrapInvalid(err, "restapi", "Call", "encode params for "+method)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(encoded))
	if err != nil {
		return errors.WrapInvalid(err, "restapi", "Call", "create request")
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	start := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionTimeout, err), "restapi", "Call", "request "+method)
		}
		return errors.WrapTransient(err, "restapi", "Call", "request "+method)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return errors.WrapTransient(err, "restapi", "Call", "read response")
	}

	c.logger.Debug("REST call finished",
		"method", method,
		"status", response.StatusCode,
		"duration", time.Since(start))

	var env envelope
	if jsonErr := json.Unmarshal(body, &env); jsonErr != nil {
		if response.StatusCode >= 200 && response.StatusCode < 300 {
			return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, jsonErr), "restapi", "Call", "decode response")
		}
		env.Error = http.StatusText(response.StatusCode)
	}

	if env.Error != "" || response.StatusCode < 200 || response.StatusCode >= 300 {
		restErr := &Error{
			Code:        env.Error,
			Description: env.ErrorDescription,
			StatusCode:  response.StatusCode,
			Method:      method,
		}
		if restErr.Temporary() {
			return errors.WrapTransient(restErr, "restapi", "Call", "call "+method)
		}
		return errors.WrapInvalid(restErr, "restapi", "Call", "call "+method)
	}

	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "restapi", "Call", "decode result of "+method)
	}
	return nil
}
