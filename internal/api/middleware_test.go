package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safe-code-runner/internal/abuse"
	"safe-code-runner/internal/config"
	"safe-code-runner/internal/monitor"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAuthMiddleware_EmptyKeysRejectsRequests(t *testing.T) {
	handler := AuthMiddleware("", nil, false)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/v1/execute", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_ExplicitAllowUnauthenticated(t *testing.T) {
	handler := AuthMiddleware("", nil, true)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/v1/execute", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_Keys(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"configured header", "X-Course-Key", "good-key", http.StatusOK},
		{"bearer token", "Authorization", "Bearer good-key", http.StatusOK},
		{"wrong key", "X-Course-Key", "bad-key", http.StatusUnauthorized},
		{"default header ignored", "X-API-Key", "good-key", http.StatusUnauthorized},
		{"no key", "", "", http.StatusUnauthorized},
	}

	handler := AuthMiddleware("X-Course-Key", []string{"good-key", ""}, false)(okHandler)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/execute", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func newAPIGate(t *testing.T, store abuse.Store, max int) (*abuse.Gate, *monitor.Metrics) {
	t.Helper()
	metrics := monitor.NewMetrics()
	policies := map[string]abuse.Policy{
		config.PolicyAPI: {Name: config.PolicyAPI, MaxRequests: max, Window: time.Minute},
	}
	gate := abuse.NewGate(
		abuse.NewRateLimiter(store, 0, time.Hour),
		abuse.NewViolationTracker(store, abuse.Penalty{Threshold: 3, Base: time.Hour, Cap: 24 * time.Hour}),
		policies, metrics,
	)
	return gate, metrics
}

func TestRateLimitMiddleware_PerClientAddress(t *testing.T) {
	gate, metrics := newAPIGate(t, abuse.NewMemoryStore(), 2)
	handler := RateLimitMiddleware(gate, config.PolicyAPI, metrics)(okHandler)

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = addr
		req.Header.Set("X-Forwarded-For", "10.9.9.9")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, send("10.0.0.1:5000").Code, "request %d", i)
	}
	// A new source port is the same client.
	rec := send("10.0.0.1:5001")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RateLimitDenials.WithLabelValues(config.PolicyAPI)))

	assert.Equal(t, http.StatusOK, send("10.0.0.2:5000").Code, "other client")
}

func TestRateLimitMiddleware_UnknownPolicyPassesThrough(t *testing.T) {
	gate, metrics := newAPIGate(t, abuse.NewMemoryStore(), 1)
	handler := RateLimitMiddleware(gate, "nope", metrics)(okHandler)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

type brokenStore struct {
	*abuse.MemoryStore
}

func (brokenStore) Admit(_ context.Context, _, _ string, _ time.Time, _ time.Duration, _ int) (abuse.Admission, error) {
	return abuse.Admission{}, errors.New("connection refused")
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	gate, metrics := newAPIGate(t, brokenStore{abuse.NewMemoryStore()}, 1)
	handler := RateLimitMiddleware(gate, config.PolicyAPI, metrics)(okHandler)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.StoreErrors.WithLabelValues("admit")))
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddleware_KeepsCallerID(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}
