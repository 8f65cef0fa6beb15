package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/intake-bridge/internal/platform/apierror"
)

// RateLimitConfig sizes the per-caller token buckets.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// KeyFunc picks the bucket for a request. Defaults to CallerKey.
	KeyFunc func(echo.Context) string
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		KeyFunc:           CallerKey,
	}
}

// CallerKey buckets requests by service token when one is presented, so
// workers behind one address get separate budgets. Signed and anonymous
// requests are bucketed by client IP.
func CallerKey(c echo.Context) string {
	authz := c.Request().Header.Get(echo.HeaderAuthorization)
	if tok, ok := strings.CutPrefix(authz, "Bearer "); ok && strings.TrimSpace(tok) != "" {
		sum := sha256.Sum256([]byte(strings.TrimSpace(tok)))
		return "token:" + hex.EncodeToString(sum[:8])
	}
	return "ip:" + c.RealIP()
}

type bucket struct {
	tokens float64
	last   time.Time
}

// limiter holds one bucket per key.
type limiter struct {
	mu      sync.Mutex
	rate    float64
	burst   float64
	now     func() time.Time
	buckets map[string]*bucket
}

func newLimiter(cfg RateLimitConfig) *limiter {
	return &limiter{
		rate:    cfg.RequestsPerSecond,
		burst:   float64(cfg.BurstSize),
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// take spends one token for key. When none is left it reports how long until
// the next token arrives.
func (l *limiter) take(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.last).Seconds()*l.rate)
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if l.rate <= 0 {
		return false, time.Second
	}
	return false, time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
}

// retryAfterSeconds rounds a wait up to whole seconds, at least one.
func retryAfterSeconds(wait time.Duration) int {
	s := int(math.Ceil(wait.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// RateLimit rejects requests beyond the caller's budget with 429
// RATE_LIMITED and a Retry-After header.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	keyOf := cfg.KeyFunc
	if keyOf == nil {
		keyOf = CallerKey
	}
	l := newLimiter(cfg)
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)

			ok, wait := l.take(keyOf(c))
			if ok {
				return next(c)
			}
			secs := retryAfterSeconds(wait)
			h.Set("Retry-After", strconv.Itoa(secs))
			h.Set("X-RateLimit-Remaining", "0")
			return apierror.New(http.StatusTooManyRequests, apierror.CodeRateLimited, "rate limit exceeded").
				WithDetails(map[string]int{"retry_after": secs})
		}
	}
}
