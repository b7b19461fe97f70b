package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"inference-gateway/internal/ctx"
	"inference-gateway/internal/ratelimit"
	"inference-gateway/internal/shared"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newEcho(mws ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	ok := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	g := e.Group("", mws...)
	g.GET("/health", ok)
	g.GET("/metrics", ok)
	g.GET("/api/models", ok)
	return e
}

func do(e *echo.Echo, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestAPIKeyMiddleware(t *testing.T) {
	e := newEcho(NewAPIKeyMiddleware(AuthConfig{APIKey: "secret", AuthRequired: true}))

	assert.Equal(t, http.StatusUnauthorized, do(e, "/api/models", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(e, "/api/models", map[string]string{shared.APIKeyHeader: "wrong"}).Code)
	assert.Equal(t, http.StatusOK, do(e, "/api/models", map[string]string{shared.APIKeyHeader: "secret"}).Code)
	assert.Equal(t, http.StatusOK, do(e, "/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(e, "/metrics", nil).Code)

	rec := do(e, "/api/models", nil)
	assert.JSONEq(t, `{"detail":"Missing or invalid API key"}`, rec.Body.String())
}

func TestAPIKeyMiddlewareOpenAccess(t *testing.T) {
	e := newEcho(NewAPIKeyMiddleware(AuthConfig{AuthRequired: true}))
	assert.Equal(t, http.StatusOK, do(e, "/api/models", nil).Code)

	e = newEcho(NewAPIKeyMiddleware(AuthConfig{APIKey: "secret", AuthRequired: false}))
	assert.Equal(t, http.StatusOK, do(e, "/api/models", nil).Code)

	e = newEcho(NewAPIKeyMiddleware(AuthConfig{APIKey: "secret", AuthRequired: true, MetricsPublic: true}))
	assert.Equal(t, http.StatusOK, do(e, "/metrics", nil).Code)
}

func doFrom(e *echo.Echo, remoteAddr string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func newRateLimitedEcho(t *testing.T, capacity int, trusted []string) *echo.Echo {
	t.Helper()
	e := newEcho(NewRateLimitMiddleware(ratelimit.NewLocalBucket(capacity), zap.NewNop().Sugar()))
	extractor, err := NewIPExtractor(trusted)
	require.NoError(t, err)
	e.IPExtractor = extractor
	return e
}

func TestRateLimitMiddleware(t *testing.T) {
	e := newRateLimitedEcho(t, 2, nil)

	assert.Equal(t, http.StatusOK, doFrom(e, "10.0.0.1:5000", nil).Code)
	assert.Equal(t, http.StatusOK, doFrom(e, "10.0.0.1:5001", nil).Code)
	rec := doFrom(e, "10.0.0.1:5002", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"detail":"Rate limit exceeded"}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, doFrom(e, "10.0.0.2:5000", nil).Code)
}

func TestRateLimitIgnoresForwardingHeaders(t *testing.T) {
	e := newRateLimitedEcho(t, 2, nil)

	admitted := 0
	for i := range 10 {
		rec := doFrom(e, "203.0.113.7:4000", map[string]string{
			echo.HeaderXForwardedFor: fmt.Sprintf("198.51.100.%d", i),
			echo.HeaderXRealIP:       fmt.Sprintf("192.0.2.%d", i),
		})
		if rec.Code == http.StatusOK {
			admitted++
		}
	}
	assert.Equal(t, 2, admitted)
}

func TestRateLimitTrustedProxyForwarding(t *testing.T) {
	e := newRateLimitedEcho(t, 1, []string{"10.1.0.0/16"})
	viaProxy := func(client string) int {
		return doFrom(e, "10.1.2.3:4000", map[string]string{echo.HeaderXForwardedFor: client}).Code
	}

	assert.Equal(t, http.StatusOK, viaProxy("198.51.100.1"))
	assert.Equal(t, http.StatusTooManyRequests, viaProxy("198.51.100.1"))
	assert.Equal(t, http.StatusOK, viaProxy("198.51.100.2"))

	// Headers from peers outside the trusted range are not believed
	direct := doFrom(e, "203.0.113.9:4000", map[string]string{echo.HeaderXForwardedFor: "198.51.100.3"})
	assert.Equal(t, http.StatusOK, direct.Code)
	direct = doFrom(e, "203.0.113.9:4000", map[string]string{echo.HeaderXForwardedFor: "198.51.100.4"})
	assert.Equal(t, http.StatusTooManyRequests, direct.Code)
}

func TestNewIPExtractorRejectsBadRange(t *testing.T) {
	_, err := NewIPExtractor([]string{"not-an-ip"})
	assert.Error(t, err)

	_, err = NewIPExtractor([]string{"10.0.0.1", "fd00::/8"})
	assert.NoError(t, err)
}

func TestTrackMiddlewareSetsRequestID(t *testing.T) {
	e := echo.New()
	var seen *ctx.Context
	e.GET("/api/models", func(c echo.Context) error {
		seen = c.(*ctx.Context)
		return c.String(http.StatusOK, "ok")
	}, NewTrackMiddleware(zap.NewNop().Sugar()))

	rec := do(e, "/api/models", nil)
	require.NotNil(t, seen)
	id := rec.Header().Get(shared.RequestIDHeader)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, seen.Reqid)

	rec = do(e, "/api/models", map[string]string{shared.RequestIDHeader: "caller-id"})
	assert.Equal(t, "caller-id", rec.Header().Get(shared.RequestIDHeader))
	assert.Equal(t, "caller-id", seen.LogValues.RequestID)
}

func TestTrackMiddlewareRendersHandlerErrors(t *testing.T) {
	e := echo.New()
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusTeapot, "nope")
	}, NewTrackMiddleware(zap.NewNop().Sugar()))

	rec := do(e, "/boom", nil)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
