package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/intake-bridge/internal/platform/apierror"
)

func rateLimitedCall(e *echo.Echo, h echo.HandlerFunc, authz string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, "/queue", nil)
	if authz != "" {
		req.Header.Set(echo.HeaderAuthorization, authz)
	}
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func okNext(c echo.Context) error { return c.NoContent(http.StatusOK) }

func TestRateLimit_BurstThenReject(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 3})(okNext)

	for i := 0; i < 3; i++ {
		rec, err := rateLimitedCall(e, h, "")
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "1" {
			t.Errorf("request %d: X-RateLimit-Limit = %q", i+1, rec.Header().Get("X-RateLimit-Limit"))
		}
	}

	rec, err := rateLimitedCall(e, h, "")
	var ae *apierror.Error
	if !errors.As(err, &ae) {
		t.Fatalf("expected *apierror.Error, got %v", err)
	}
	if ae.Status != http.StatusTooManyRequests || ae.Code != apierror.CodeRateLimited {
		t.Errorf("expected 429 RATE_LIMITED, got %d %s", ae.Status, ae.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimit_SeparateBudgetPerServiceToken(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(okNext)

	if _, err := rateLimitedCall(e, h, "Bearer worker-a"); err != nil {
		t.Fatalf("worker-a first: %v", err)
	}
	if _, err := rateLimitedCall(e, h, "Bearer worker-a"); err == nil {
		t.Fatal("worker-a second: expected rate limit")
	}
	if _, err := rateLimitedCall(e, h, "Bearer worker-b"); err != nil {
		t.Fatalf("worker-b first: %v", err)
	}
	if _, err := rateLimitedCall(e, h, ""); err != nil {
		t.Fatalf("anonymous first: %v", err)
	}
}

func TestRateLimit_CustomKeyFunc(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
		KeyFunc:           func(echo.Context) string { return "shared" },
	})(okNext)

	if _, err := rateLimitedCall(e, h, "Bearer a"); err != nil {
		t.Fatal(err)
	}
	if _, err := rateLimitedCall(e, h, "Bearer b"); err == nil {
		t.Fatal("expected both tokens to share one bucket")
	}
}

func TestCallerKey(t *testing.T) {
	e := echo.New()
	key := func(authz string) string {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.9:5555"
		if authz != "" {
			req.Header.Set(echo.HeaderAuthorization, authz)
		}
		return CallerKey(e.NewContext(req, httptest.NewRecorder()))
	}

	if got := key(""); got != "ip:10.0.0.9" {
		t.Errorf("anonymous key = %q", got)
	}
	if got := key("Bearer "); got != "ip:10.0.0.9" {
		t.Errorf("empty bearer key = %q", got)
	}
	a, b := key("Bearer tok-a"), key("Bearer tok-b")
	if a == b || a[:6] != "token:" {
		t.Errorf("token keys = %q, %q", a, b)
	}
	if key("Bearer tok-a") != a {
		t.Error("token key must be stable")
	}
}

func TestLimiter_Refill(t *testing.T) {
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 2, BurstSize: 1})
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	if ok, _ := l.take("k"); !ok {
		t.Fatal("first take should pass")
	}
	ok, wait := l.take("k")
	if ok || wait != 500*time.Millisecond {
		t.Fatalf("expected 500ms wait, got ok=%v wait=%v", ok, wait)
	}

	clock = clock.Add(500 * time.Millisecond)
	if ok, _ := l.take("k"); !ok {
		t.Error("expected a token after refill")
	}
}

func TestLimiter_ZeroRate(t *testing.T) {
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 0, BurstSize: 1})
	l.take("k")
	if ok, wait := l.take("k"); ok || wait != time.Second {
		t.Errorf("expected 1s wait with zero rate, got ok=%v wait=%v", ok, wait)
	}
	if retryAfterSeconds(100*time.Millisecond) != 1 || retryAfterSeconds(2100*time.Millisecond) != 3 {
		t.Error("retryAfterSeconds should round up to whole seconds")
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 100 || cfg.BurstSize != 200 || cfg.KeyFunc == nil {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
