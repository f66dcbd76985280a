package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimiterBlocksAfterLimit(t *testing.T) {
	rl, err := NewRateLimiter(nil, map[string]RateLimit{"GET /find": {2, time.Minute}}, zerolog.Nop())
	require.NoError(t, err)
	h := rl.Middleware(ok)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/find?q=tax", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	// Other clients and other paths are unaffected.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/find?q=tax", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

type brokenCounter struct{}

func (brokenCounter) IncrWindow(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("redis down")
}

func TestRateLimiterFailsOpen(t *testing.T) {
	rl, err := NewRateLimiter(brokenCounter{}, nil, zerolog.Nop())
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	rl.Middleware(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/find", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterRejectsUnenforceableLimits(t *testing.T) {
	for name, limit := range map[string]RateLimit{
		"sub-second window": {10, 500 * time.Millisecond},
		"zero window":       {10, 0},
		"zero requests":     {0, time.Minute},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewRateLimiter(nil, map[string]RateLimit{"GET /find": limit}, zerolog.Nop())
			assert.ErrorIs(t, err, ErrInvalidLimit)
		})
	}

	for pattern, limit := range DefaultLimits {
		assert.NoError(t, limit.Validate(), pattern)
	}
}

func TestRateLimiterOneSecondWindow(t *testing.T) {
	rl, err := NewRateLimiter(nil, map[string]RateLimit{"GET /ws": {1, time.Second}}, zerolog.Nop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	rl.Middleware(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestRealIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", RealIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", RealIP(req))
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/status", normalizePath("/status"))
	assert.Equal(t, "other", normalizePath("/wp-admin/login.php"))
}

func TestReadOnly(t *testing.T) {
	rec := httptest.NewRecorder()
	ReadOnly(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	ReadOnly(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestMaxBodySize(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", bytes.NewReader(make([]byte, 64)))
	MaxBodySize(16)(ok).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestLoggerRecordsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	rec := httptest.NewRecorder()
	Logger(logger)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Contains(t, buf.String(), `"path":"/status"`)
	assert.Contains(t, buf.String(), `"status":200`)
}
