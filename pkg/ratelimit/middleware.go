package ratelimit

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/render"
	"github.com/tendant/tenant-idm/pkg/client"
	idmerrors "github.com/tendant/tenant-idm/pkg/errors"
	"github.com/tendant/tenant-idm/pkg/response"
	"github.com/tendant/tenant-idm/pkg/validation"
)

// Limit is a bucket size and refill rate. A zero Capacity disables it.
type Limit struct {
	Capacity  int
	PerMinute float64
}

func (l Limit) enabled() bool {
	return l.Capacity > 0
}

// Config selects the limits applied by a Middleware.
type Config struct {
	Global  Limit
	PerIP   Limit
	PerUser Limit
	// Endpoints are keyed by "METHOD /path" and counted per client IP.
	Endpoints map[string]Limit
	// BucketTTL is how long idle buckets are kept.
	BucketTTL time.Duration
	// TrustProxy reads the client IP from X-Forwarded-For and X-Real-IP.
	TrustProxy bool
	Clock      Clock
}

// DefaultConfig allows bursts of 1000 requests a minute overall, 100 per
// client IP and 200 per signed-in subject.
func DefaultConfig() Config {
	return Config{
		Global:    Limit{Capacity: 1000, PerMinute: 1000},
		PerIP:     Limit{Capacity: 100, PerMinute: 100},
		PerUser:   Limit{Capacity: 200, PerMinute: 200},
		Endpoints: map[string]Limit{},
		BucketTTL: time.Hour,
	}
}

// Middleware applies the configured limits.
type Middleware struct {
	cfg       Config
	global    *RateLimiter
	ip        *RateLimiter
	user      *RateLimiter
	endpoints map[string]*RateLimiter
}

// NewMiddleware creates the limiters of cfg. Call Stop to end their sweeps.
func NewMiddleware(cfg Config) *Middleware {
	m := &Middleware{cfg: cfg, endpoints: make(map[string]*RateLimiter)}
	newLimiter := func(l Limit) *RateLimiter {
		if !l.enabled() {
			return nil
		}
		return NewRateLimiter(l.Capacity, l.PerMinute/60, cfg.BucketTTL, cfg.Clock)
	}
	m.global = newLimiter(cfg.Global)
	m.ip = newLimiter(cfg.PerIP)
	m.user = newLimiter(cfg.PerUser)
	for endpoint, l := range cfg.Endpoints {
		if rl := newLimiter(l); rl != nil {
			m.endpoints[endpoint] = rl
		}
	}
	return m
}

// Handler rejects requests over any limit with 429.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := m.clientIP(r)

		if m.global != nil && !m.global.Allow("global") {
			m.exceeded(w, r, "global", m.global.RetryAfter("global"))
			return
		}
		if m.ip != nil && ip != "" && !m.ip.Allow(ip) {
			m.exceeded(w, r, "ip", m.ip.RetryAfter(ip))
			return
		}
		if p, ok := client.PrincipalFromContext(r.Context()); ok && m.user != nil {
			if !m.user.Allow(p.Subject) {
				m.exceeded(w, r, "user", m.user.RetryAfter(p.Subject))
				return
			}
			w.Header().Set("X-RateLimit-Limit-User", strconv.Itoa(m.cfg.PerUser.Capacity))
		}
		endpoint := r.Method + " " + r.URL.Path
		if rl, ok := m.endpoints[endpoint]; ok {
			key := ip + "|" + endpoint
			if !rl.Allow(key) {
				m.exceeded(w, r, "endpoint", rl.RetryAfter(key))
				return
			}
		}
		if m.ip != nil && ip != "" {
			w.Header().Set("X-RateLimit-Limit-IP", strconv.Itoa(m.cfg.PerIP.Capacity))
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) exceeded(w http.ResponseWriter, r *http.Request, scope string, retry time.Duration) {
	slog.Warn("Rate limit exceeded", "scope", scope, "ip", m.clientIP(r), "method", r.Method, "path", r.URL.Path)
	seconds := int(math.Ceil(retry.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	render.Status(r, http.StatusTooManyRequests)
	render.JSON(w, r, response.Fail[struct{}](validation.New(
		string(idmerrors.ErrCodeRateLimitExceeded), "Too many requests. Please try again later.", "",
	)).Envelope())
}

func (m *Middleware) clientIP(r *http.Request) string {
	if m.cfg.TrustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Stats returns statistics for every limiter.
func (m *Middleware) Stats() map[string]Stats {
	stats := make(map[string]Stats)
	if m.global != nil {
		stats["global"] = m.global.GetStats()
	}
	if m.ip != nil {
		stats["ip"] = m.ip.GetStats()
	}
	if m.user != nil {
		stats["user"] = m.user.GetStats()
	}
	for endpoint, rl := range m.endpoints {
		stats["endpoint:"+endpoint] = rl.GetStats()
	}
	return stats
}

// Reset refills the IP and subject buckets of key.
func (m *Middleware) Reset(key string) {
	if m.ip != nil {
		m.ip.Reset(key)
	}
	if m.user != nil {
		m.user.Reset(key)
	}
}

// Stop ends the background sweeps.
func (m *Middleware) Stop() {
	for _, rl := range []*RateLimiter{m.global, m.ip, m.user} {
		if rl != nil {
			rl.Stop()
		}
	}
	for _, rl := range m.endpoints {
		rl.Stop()
	}
}
