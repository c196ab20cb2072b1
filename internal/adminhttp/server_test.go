package adminhttp

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketstream/internal/health"
)

func TestHealthEndpointReturns200WhenOK(t *testing.T) {
	checker := health.NewChecker(nil, nil, "NSE", zerolog.Nop())
	s := New(Config{Port: 0}, checker, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestMetricsEndpointReturns200WithNilSource(t *testing.T) {
	checker := health.NewChecker(nil, nil, "NSE", zerolog.Nop())
	s := New(Config{Port: 0}, checker, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

type stubMetrics struct{ body string }

func (m stubMetrics) Render() []byte { return []byte(m.body) }

func TestMetricsEndpointRendersSource(t *testing.T) {
	checker := health.NewChecker(nil, nil, "NSE", zerolog.Nop())
	s := New(Config{Port: 0}, checker, stubMetrics{body: "sentinel_up 1\n"}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "sentinel_up 1\n", rec.Body.String())
}
