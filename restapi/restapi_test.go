package restapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
)

func newServer(t *testing.T, handler http.HandlerFunc) *HTTPCaller {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewHTTPCaller(Config{BaseURL: srv.URL + "/rest/", AuthToken: "tok"})
	require.NoError(t, err)
	return c
}

func TestHTTPCaller_Success(t *testing.T) {
	var gotPath, gotAuth string
	var gotParams map[string]any

	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.URL.Query().Get("auth")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotParams)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"result":{"server":{"version":5}},"time":{"start":1}}`))
	})

	var out struct {
		Server struct {
			Version int `json:"version"`
		} `json:"server"`
	}
	err := c.Call(context.Background(), "pull.config.get", map[string]string{"CACHE": "N"}, &out)
	require.NoError(t, err)

	assert.Equal(t, "/rest/pull.config.get.json", gotPath)
	assert.Equal(t, "tok", gotAuth)
	assert.Equal(t, "N", gotParams["CACHE"])
	assert.Equal(t, 5, out.Server.Version)
}

func TestHTTPCaller_NilParamsAndOut(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "{}", string(body))
		_, _ = w.Write([]byte(`{"result":true}`))
	})

	require.NoError(t, c.Call(context.Background(), "pull.watch.extend", nil, nil))
}

func TestHTTPCaller_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
		code      string
	}{
		{"rest error payload", http.StatusBadRequest, `{"error":"ERROR_METHOD_NOT_FOUND","error_description":"Method not found!"}`, false, "ERROR_METHOD_NOT_FOUND"},
		{"error with 200", http.StatusOK, `{"error":"ACCESS_DENIED"}`, false, "ACCESS_DENIED"},
		{"expired token", http.StatusUnauthorized, `{"error":"expired_token"}`, true, "expired_token"},
		{"server failure", http.StatusBadGateway, `<html>bad gateway</html>`, true, "Bad Gateway"},
		{"rate limited", http.StatusServiceUnavailable, `{"error":"QUERY_LIMIT_EXCEEDED"}`, true, "QUERY_LIMIT_EXCEEDED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			err := c.Call(context.Background(), "pull.config.get", nil, nil)
			require.Error(t, err)

			var restErr *Error
			require.True(t, errors.As(err, &restErr))
			assert.Equal(t, tt.code, restErr.Code)
			assert.Equal(t, tt.status, restErr.StatusCode)
			assert.Equal(t, "pull.config.get", restErr.Method)
			assert.Equal(t, tt.transient, errors.IsTransient(err))
		})
	}
}

func TestHTTPCaller_MalformedSuccess(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})

	err := c.Call(context.Background(), "pull.config.get", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrParsingFailed)
}

func TestHTTPCaller_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, err := NewHTTPCaller(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	err = c.Call(context.Background(), "pull.config.get", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConnectionTimeout)
	assert.True(t, errors.IsTransient(err))
}

func TestHTTPCaller_RateLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"result":true}`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewHTTPCaller(Config{BaseURL: srv.URL, RateLimit: 0.01, RateBurst: 1})
	require.NoError(t, err)

	require.NoError(t, c.Call(context.Background(), "first", nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = c.Call(ctx, "second", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestNewHTTPCaller_Validation(t *testing.T) {
	_, err := NewHTTPCaller(Config{})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	_, err = NewHTTPCaller(Config{BaseURL: "portal/rest"})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestCallerFunc(t *testing.T) {
	var called string
	var c Caller = CallerFunc(func(_ context.Context, method string, _ any, _ any) error {
		called = method
		return nil
	})
	require.NoError(t, c.Call(context.Background(), "m", nil, nil))
	assert.Equal(t, "m", called)
}
