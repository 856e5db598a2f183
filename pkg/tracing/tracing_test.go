package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledWithoutEndpoint(t *testing.T) {
	p, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	assert.False(t, p.Enabled())

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	assert.NotNil(t, p.Middleware(next))
	assert.NoError(t, p.Shutdown(context.Background()))

	_, span := Start(context.Background(), "noop")
	span.End()
}

func TestEnabledWithEndpoint(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	p, err := Setup(context.Background(), Config{Endpoint: collector.URL + "/v1/traces", ServiceName: "test", SampleRatio: 0.5})
	require.NoError(t, err)
	require.True(t, p.Enabled())

	var served bool
	h := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, span := Start(r.Context(), "inner")
		span.End()
		served = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/connect/authorize", nil))
	assert.True(t, served)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, p.Shutdown(ctx))
}
