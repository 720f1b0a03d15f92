package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	h := NewHealthy("transport", "online")
	assert.True(t, h.Healthy)
	assert.True(t, h.IsHealthy())
	assert.False(t, h.Timestamp.IsZero())

	d := NewDegraded("transport", "connecting")
	assert.False(t, d.Healthy)
	assert.True(t, d.IsDegraded())

	u := NewUnhealthy("config", "load failed")
	assert.False(t, u.Healthy)
	assert.True(t, u.IsUnhealthy())
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name  string
		subs  []Status
		state string
	}{
		{"empty", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", ""), NewHealthy("c", "")}, StateUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := Aggregate("pullclient", tt.subs)
			assert.Equal(t, tt.state, agg.Status)
			assert.Len(t, agg.SubStatuses, len(tt.subs))
		})
	}
}

func TestAggregate_SortsAndCopies(t *testing.T) {
	subs := []Status{NewHealthy("rpc", ""), NewHealthy("config", ""), NewHealthy("transport", "")}
	agg := Aggregate("pullclient", subs)

	assert.Equal(t, "config", agg.SubStatuses[0].Component)
	assert.Equal(t, "rpc", agg.SubStatuses[1].Component)
	assert.Equal(t, "rpc", subs[0].Component, "input must not be reordered")
}

func TestStatus_WithSubStatusIsolation(t *testing.T) {
	base := NewHealthy("root", "").WithSubStatus(NewHealthy("a", ""))
	first := base.WithSubStatus(NewHealthy("b", ""))
	second := base.WithSubStatus(NewHealthy("c", ""))

	assert.Len(t, base.SubStatuses, 1)
	assert.Equal(t, "b", first.SubStatuses[1].Component)
	assert.Equal(t, "c", second.SubStatuses[1].Component)

	withMetrics := base.WithMetrics(&Metrics{ErrorCount: 2})
	assert.Nil(t, base.Metrics)
	assert.Equal(t, 2, withMetrics.Metrics.ErrorCount)
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		absent  []string
		present []string
	}{
		{"empty", "", nil, nil},
		{
			"socket url with signature",
			"dial wss://rt.example.com/sub/?CHANNEL_ID=abc.sig123 failed",
			[]string{"rt.example.com", "sig123"},
			[]string{"[URL]"},
		},
		{"ip and port", "connect 10.0.0.5:8080 refused", []string{"10.0.0.5", "8080"}, []string{"[IP]"}},
		{"token", "bad token=abcdef", []string{"abcdef"}, []string{"[REDACTED]"}},
		{"path", "open /var/lib/pull/config.json: denied", []string{"/var/lib"}, []string{"[PATH]"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Sanitize(tt.in)
			for _, s := range tt.absent {
				assert.NotContains(t, out, s)
			}
			for _, s := range tt.present {
				assert.Contains(t, out, s)
			}
		})
	}
}

func TestMonitor(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("transport", "online")
	m.UpdateDegraded("rpc", "timeouts")
	m.Update("config", Status{Status: StateHealthy, Healthy: true, Component: "ignored"})

	s, ok := m.Get("config")
	require.True(t, ok)
	assert.Equal(t, "config", s.Component)
	assert.False(t, s.Timestamp.IsZero())

	assert.Equal(t, StateDegraded, m.AggregateHealth("pullclient").Status)

	m.UpdateUnhealthy("transport", "offline")
	assert.Equal(t, StateUnhealthy, m.AggregateHealth("pullclient").Status)

	m.Remove("transport")
	m.Remove("rpc")
	_, ok = m.Get("transport")
	assert.False(t, ok)
	assert.True(t, m.AggregateHealth("pullclient").IsHealthy())
}

func TestMonitor_Concurrent(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if j%2 == 0 {
					m.UpdateHealthy("transport", "")
				} else {
					m.UpdateDegraded("transport", "")
				}
				_ = m.AggregateHealth("pullclient")
			}
		}(i)
	}
	wg.Wait()
	_, ok := m.Get("transport")
	assert.True(t, ok)
}

func TestHandler(t *testing.T) {
	var mu sync.Mutex
	current := NewHealthy("pullclient", "online")
	srv := httptest.NewServer(Handler(func() Status {
		mu.Lock()
		defer mu.Unlock()
		return current
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	var decoded Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "online", decoded.Message)

	mu.Lock()
	current = NewUnhealthy("pullclient", "offline")
	current.Timestamp = time.Now()
	mu.Unlock()
	resp, err = http.Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
