// Package metrics defines the Prometheus collectors of the service and the
// HTTP middleware that feeds the request collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idm_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "idm_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// AuthorizeDecisions counts authorization endpoint outcomes: issued,
	// challenge or the denial code.
	AuthorizeDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idm_authorize_decisions_total",
			Help: "Authorization request decisions by outcome",
		},
		[]string{"outcome"},
	)

	// TokenExchanges counts token endpoint outcomes per grant type.
	TokenExchanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idm_token_exchanges_total",
			Help: "Token exchanges by grant type and outcome",
		},
		[]string{"grant_type", "outcome"},
	)

	// SignIns counts interactive sign-in attempts by method and outcome.
	SignIns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idm_sign_ins_total",
			Help: "Sign-in attempts by method and outcome",
		},
		[]string{"method", "outcome"},
	)
)

// Middleware records request count and latency, labelled by chi route
// pattern so that path parameters do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
