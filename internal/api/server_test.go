package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langorch/backend/internal/config"
	"github.com/langorch/backend/internal/middleware"
	"github.com/langorch/backend/internal/multitenancy"
)

type stubHealth struct {
	status   string
	breakers map[string]string
}

func (s *stubHealth) BreakerHealth() (string, map[string]string) { return s.status, s.breakers }

func newTestServer(h Handlers) *Server {
	return NewServer(
		config.ServerConfig{},
		multitenancy.NewTenantManager(nil),
		middleware.NewRateLimiter(middleware.RateLimitConfig{}),
		h,
	)
}

func healthz(t *testing.T, srv *Server) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealthzReportsBreakerStates(t *testing.T) {
	srv := newTestServer(Handlers{Health: &stubHealth{
		status:   "healthy",
		breakers: map[string]string{"chat:openai": "CLOSED"},
	}})

	code, body := healthz(t, srv)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	providers, ok := body["providers"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "CLOSED", providers["chat:openai"])
}

func TestHealthzDegradedOnOpenBreaker(t *testing.T) {
	srv := newTestServer(Handlers{Health: &stubHealth{
		status:   "degraded",
		breakers: map[string]string{"chat:openai": "OPEN"},
	}})

	code, body := healthz(t, srv)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
}

func TestHealthzWithoutReporter(t *testing.T) {
	code, body := healthz(t, newTestServer(Handlers{}))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	_, hasProviders := body["providers"]
	assert.False(t, hasProviders)
}
