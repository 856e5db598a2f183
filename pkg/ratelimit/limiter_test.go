package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/tenant-idm/pkg/client"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTokenBucket(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucket(5, 1, clock.Now)

	for i := 0; i < 5; i++ {
		assert.True(t, tb.Allow(), "request %d", i+1)
	}
	assert.False(t, tb.Allow())
	assert.Equal(t, time.Second, tb.RetryAfter())

	clock.Advance(2 * time.Second)
	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())

	clock.Advance(time.Hour)
	assert.Equal(t, 5.0, tb.Tokens())

	tb.Allow()
	tb.Reset()
	assert.Equal(t, 5.0, tb.Tokens())
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(2, 1, 0, clock.Now)

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	rl.Reset("a")
	assert.True(t, rl.Allow("a"))

	stats := rl.GetStats()
	assert.Equal(t, 2, stats.ActiveBuckets)
	assert.Equal(t, 2, stats.Capacity)
}

func TestRateLimiterSweep(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(5, 1, time.Minute, clock.Now)
	defer rl.Stop()

	rl.Allow("idle")
	clock.Advance(30 * time.Second)
	rl.Allow("busy")
	clock.Advance(45 * time.Second)
	rl.Sweep()

	assert.Equal(t, 1, rl.GetStats().ActiveBuckets)
	rl.Stop()
	rl.Stop()
}

func TestRateLimiterConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(100, 0, 0, nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if rl.Allow("shared") {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, allowed)
}

func serve(m *Middleware, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(w, r)
	return w
}

func TestMiddlewarePerIP(t *testing.T) {
	m := NewMiddleware(Config{PerIP: Limit{Capacity: 2, PerMinute: 60}, Clock: newFakeClock().Now})
	defer m.Stop()

	req := func(ip string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = ip + ":1234"
		return r
	}
	assert.Equal(t, http.StatusNoContent, serve(m, req("10.0.0.1")).Code)
	assert.Equal(t, http.StatusNoContent, serve(m, req("10.0.0.1")).Code)

	w := serve(m, req("10.0.0.1"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	var env struct {
		Errors []struct {
			Code string `json:"code"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.Len(t, env.Errors, 1)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", env.Errors[0].Code)

	assert.Equal(t, http.StatusNoContent, serve(m, req("10.0.0.2")).Code)
}

func TestMiddlewarePerUser(t *testing.T) {
	m := NewMiddleware(Config{PerUser: Limit{Capacity: 1, PerMinute: 1}})
	defer m.Stop()

	req := func(subject string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		return r.WithContext(client.WithPrincipal(context.Background(), &client.Principal{Subject: subject, Kind: client.KindUser}))
	}
	assert.Equal(t, http.StatusNoContent, serve(m, req("alice")).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(m, req("alice")).Code)
	assert.Equal(t, http.StatusNoContent, serve(m, req("bob")).Code)

	m.Reset("alice")
	assert.Equal(t, http.StatusNoContent, serve(m, req("alice")).Code)
}

func TestMiddlewareEndpointAndProxy(t *testing.T) {
	m := NewMiddleware(Config{
		Endpoints:  map[string]Limit{"POST /api/auth/login": {Capacity: 1, PerMinute: 1}},
		TrustProxy: true,
	})
	defer m.Stop()

	login := func(forwarded string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		r.Header.Set("X-Forwarded-For", forwarded+", 10.0.0.9")
		return r
	}
	assert.Equal(t, http.StatusNoContent, serve(m, login("203.0.113.1")).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(m, login("203.0.113.1")).Code)
	assert.Equal(t, http.StatusNoContent, serve(m, login("203.0.113.2")).Code)
	assert.Equal(t, http.StatusNoContent, serve(m, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)).Code)

	assert.Contains(t, m.Stats(), "endpoint:POST /api/auth/login")
}

func BenchmarkRateLimiterAllow(b *testing.B) {
	rl := NewRateLimiter(1000000, 1000000, 0, nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.Allow("benchmark-key")
	}
}
