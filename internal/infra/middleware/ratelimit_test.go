package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestRateLimiterNThenReject(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(RateLimitConfig{Requests: 5, Window: 10 * time.Second, Now: clock.Now}, slog.Default())

	for i := range 5 {
		ok, _ := rl.Allow("1.2.3.4")
		require.True(t, ok, "request %d should pass", i+1)
	}
	ok, wait := rl.Allow("1.2.3.4")
	assert.False(t, ok, "request N+1 must be rejected")
	assert.InDelta(t, float64(2*time.Second), float64(wait), float64(10*time.Millisecond))

	// Another client has its own bucket.
	ok, _ = rl.Allow("5.6.7.8")
	assert.True(t, ok)
}

func TestRateLimiterRefill(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(RateLimitConfig{Requests: 5, Window: 10 * time.Second, Now: clock.Now}, slog.Default())

	for range 5 {
		rl.Allow("c")
	}
	ok, _ := rl.Allow("c")
	require.False(t, ok)

	// One token refills every Window/Requests.
	clock.Advance(2 * time.Second)
	ok, _ = rl.Allow("c")
	assert.True(t, ok)
	ok, _ = rl.Allow("c")
	assert.False(t, ok)

	// A full window restores the full burst.
	clock.Advance(10 * time.Second)
	for i := range 5 {
		ok, _ := rl.Allow("c")
		assert.True(t, ok, "request %d after full refill", i+1)
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(RateLimitConfig{Requests: 2, Window: time.Minute, Now: clock.Now}, slog.Default())
	h := rl.Middleware(okHandler)

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
		req.RemoteAddr = "10.1.1.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do().Code)
	assert.Equal(t, http.StatusOK, do().Code)
	rec := do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, []string{"30", "31"}, rec.Header().Get("Retry-After"))
	assert.Equal(t, domain.CodeRateLimit, decodeErr(t, rec).Code)
}

func TestRateLimiterSweep(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(RateLimitConfig{Requests: 1, Window: time.Second, IdleTTL: time.Minute, Now: clock.Now}, slog.Default())
	rl.Allow("a")
	clock.Advance(30 * time.Second)
	rl.Allow("b")
	clock.Advance(45 * time.Second)

	assert.Equal(t, 1, rl.Sweep())
	assert.Equal(t, 1, rl.Len())
}

func TestRateLimiterRunStopsOnCancel(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Requests: 1, Window: time.Second}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rl.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after cancel")
	}
}

func TestClientIP(t *testing.T) {
	trusted := parseProxies([]string{"10.0.0.1", "192.168.0.0/16", "bogus"})
	require.Len(t, trusted, 2)

	tests := []struct {
		name    string
		remote  string
		xff     string
		xri     string
		trusted bool
		want    string
	}{
		{"direct, no proxies", "203.0.113.5:1234", "1.1.1.1", "", false, "203.0.113.5"},
		{"untrusted peer ignores xff", "203.0.113.5:1234", "1.1.1.1", "", true, "203.0.113.5"},
		{"trusted ip uses first xff", "10.0.0.1:80", "1.1.1.1, 10.0.0.1", "", true, "1.1.1.1"},
		{"trusted cidr uses x-real-ip", "192.168.4.4:80", "", "2.2.2.2", true, "2.2.2.2"},
		{"trusted without headers", "192.168.4.4:80", "", "", true, "192.168.4.4"},
		{"ipv6 peer", "[2001:db8::1]:443", "", "", false, "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			var proxies = trusted
			if !tt.trusted {
				proxies = nil
			}
			assert.Equal(t, tt.want, clientIP(req, proxies))
		})
	}
}
