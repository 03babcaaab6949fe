package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callcoach-server/pkg/config"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg config.RateLimitConfig) (*Limiter, *time.Time) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	l := NewLimiter(cfg, logger)
	t.Cleanup(l.Close)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiterBurstThenRefill(t *testing.T) {
	l, now := newTestLimiter(t, config.RateLimitConfig{RequestsPerSecond: 2, BurstSize: 3})

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("10.0.0.1"))

	// Another client has its own bucket.
	assert.True(t, l.Allow("10.0.0.2"))

	*now = now.Add(500 * time.Millisecond)
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
}

func TestLimiterWhitelist(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
		WhitelistedIPs:    []string{"127.0.0.1", "192.168.0.0/16", "not-a-cidr/99", " "},
	})

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("127.0.0.1"))
		assert.True(t, l.Allow("192.168.4.20"))
	}
	assert.Equal(t, 0, l.ClientCount())

	assert.True(t, l.Allow("10.1.1.1"))
	assert.False(t, l.Allow("10.1.1.1"))
}

func TestLimiterPrune(t *testing.T) {
	l, now := newTestLimiter(t, config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})

	l.Allow("a")
	*now = now.Add(45 * time.Second)
	l.Allow("b")
	require.Equal(t, 2, l.ClientCount())

	*now = now.Add(30 * time.Second)
	assert.Equal(t, 1, l.Prune())
	assert.Equal(t, 1, l.ClientCount())
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 1})

	calls := 0
	handler := l.Middleware("ingress", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/calls/stream", nil)
	req.RemoteAddr = "203.0.113.5:5555"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, calls)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "RATE_LIMITED", body["code"])
}
