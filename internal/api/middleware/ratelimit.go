package middleware

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Counter counts hits in fixed windows. The returned value includes the
// current hit.
type Counter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RateLimit defines limits for an endpoint pattern.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// DefaultLimits protect the routes that cost more than a map lookup: /find
// calls the public directory and /ws holds a connection open.
var DefaultLimits = map[string]RateLimit{
	"GET /find": {30, time.Minute},
	"GET /ws":   {30, time.Minute},
}

// ErrInvalidLimit is returned for a limit that cannot be enforced.
var ErrInvalidLimit = errors.New("invalid rate limit")

// Validate reports whether the limit can be enforced. Windows are counted in
// whole seconds.
func (l RateLimit) Validate() error {
	if l.Requests <= 0 {
		return fmt.Errorf("%w: requests must be positive, got %d", ErrInvalidLimit, l.Requests)
	}
	if l.Window < time.Second {
		return fmt.Errorf("%w: window must be at least 1s, got %s", ErrInvalidLimit, l.Window)
	}
	return nil
}

// RateLimiter implements fixed window rate limiting per client IP.
type RateLimiter struct {
	counter Counter
	limits  map[string]RateLimit
	logger  zerolog.Logger
}

// NewRateLimiter creates a new rate limiter. A nil counter counts in memory
// and nil limits use DefaultLimits.
func NewRateLimiter(counter Counter, limits map[string]RateLimit, logger zerolog.Logger) (*RateLimiter, error) {
	if counter == nil {
		counter = NewMemoryCounter()
	}
	if limits == nil {
		limits = DefaultLimits
	}
	for pattern, limit := range limits {
		if err := limit.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", pattern, err)
		}
	}
	return &RateLimiter{counter: counter, limits: limits, logger: logger}, nil
}

// RealIP extracts the real client IP from headers or connection.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pattern, limit, ok := rl.findLimit(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		ip := RealIP(r)
		now := time.Now()
		window := int64(limit.Window / time.Second)
		bucket := now.Unix() / window
		key := fmt.Sprintf("ratelimit:%s:%s:%d", pattern, ip, bucket)
		resetAt := time.Unix((bucket+1)*window, 0)

		count, err := rl.counter.IncrWindow(r.Context(), key, limit.Window)
		if err != nil {
			// Fail open.
			rl.logger.Warn().Err(err).Msg("rate limit counter unavailable")
			next.ServeHTTP(w, r)
			return
		}

		remaining := limit.Requests - int(count)
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if count > int64(limit.Requests) {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(resetAt).Seconds())+1))
			rl.logger.Warn().
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Int64("count", count).
				Msg("rate limit exceeded")

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// findLimit finds the matching rate limit for a request.
func (rl *RateLimiter) findLimit(r *http.Request) (string, RateLimit, bool) {
	key := r.Method + " " + r.URL.Path
	for pattern, limit := range rl.limits {
		if key == pattern || strings.HasPrefix(key, pattern+"/") {
			return pattern, limit, true
		}
	}
	return "", RateLimit{}, false
}

// MemoryCounter is a single-process Counter.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	count   int64
	expires time.Time
}

// NewMemoryCounter creates an empty in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{entries: make(map[string]memoryEntry)}
}

// IncrWindow implements Counter.
func (c *MemoryCounter) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}

	e, ok := c.entries[key]
	if !ok {
		e = memoryEntry{expires: now.Add(window)}
	}
	e.count++
	c.entries[key] = e
	return e.count, nil
}
