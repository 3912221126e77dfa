package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/screening/internal/platform/auth"
)

func rateLimitedServer(cfg RateLimitConfig) *echo.Echo {
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if user := c.Request().Header.Get("X-Test-User"); user != "" {
				c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), user, []string{auth.RoleClinician}, "")))
			}
			return next(c)
		}
	})
	e.Use(RateLimit(cfg))
	e.GET("/", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	return e
}

func hit(e *echo.Echo, user, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ip + ":1234"
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_RejectsAfterBurst(t *testing.T) {
	e := rateLimitedServer(RateLimitConfig{RequestsPerSecond: 0.01, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if rec := hit(e, "", "10.0.0.1"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := hit(e, "", "10.0.0.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Error("expected X-RateLimit-Remaining: 0")
	}
}

func TestRateLimit_SeparateBudgetsPerCaller(t *testing.T) {
	e := rateLimitedServer(RateLimitConfig{RequestsPerSecond: 0.01, BurstSize: 1})

	if rec := hit(e, "", "10.0.0.1"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := hit(e, "", "10.0.0.2"); rec.Code != http.StatusOK {
		t.Errorf("another IP should have its own budget, got %d", rec.Code)
	}
	// Authenticated callers are keyed by subject, not by address.
	if rec := hit(e, "dr-1", "10.0.0.1"); rec.Code != http.StatusOK {
		t.Errorf("authenticated caller should have its own budget, got %d", rec.Code)
	}
	if rec := hit(e, "dr-1", "10.0.0.3"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("same subject from another IP should share its budget, got %d", rec.Code)
	}
}

func TestRateLimit_DisabledWhenRateIsZero(t *testing.T) {
	e := rateLimitedServer(RateLimitConfig{})
	for i := 0; i < 50; i++ {
		if rec := hit(e, "", "10.0.0.1"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestLimiterStore_EvictsIdleCallers(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, IdleTTL: time.Minute})
	s.now = func() time.Time { return now }

	s.get("a")
	now = now.Add(2 * time.Minute)
	s.get("b")

	if _, ok := s.limiters["a"]; ok {
		t.Error("idle limiter should have been evicted")
	}
	if _, ok := s.limiters["b"]; !ok {
		t.Error("active limiter should be kept")
	}
}
