package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/redis"
)

func TestTenantKeyFunc(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		query    string
		expected string
	}{
		{"from header", "tenant-123", "", "tenant:tenant-123"},
		{"from query", "", "tenant-456", "tenant:tenant-456"},
		{"header takes precedence", "tenant-123", "tenant-456", "tenant:tenant-123"},
		{"no tenant", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			if tt.query != "" {
				q := req.URL.Query()
				q.Set("tenant_id", tt.query)
				req.URL.RawQuery = q.Encode()
			}

			result := TenantKeyFunc(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware_NoLimiter(t *testing.T) {
	wrapped := RateLimitMiddleware(nil, nil, TenantKeyFunc)(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_PerTenant(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	limiter := redis.NewRateLimiter(redis.Wrap(rdb, zap.NewNop()), zap.NewNop(), redis.RateLimitConfig{
		Limit:  2,
		Window: time.Minute,
	})
	wrapped := RateLimitMiddleware(limiter, zap.NewNop(), TenantKeyFunc)(okHandler())

	call := func(tenant string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/jobs", nil)
		req.Header.Set("X-Tenant-ID", tenant)
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := call("acme"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := call("acme")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Errorf("X-RateLimit-Limit = %q", rec.Header().Get("X-RateLimit-Limit"))
	}

	// Another tenant has its own budget.
	if rec := call("globex"); rec.Code != http.StatusOK {
		t.Errorf("other tenant: expected 200, got %d", rec.Code)
	}
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (*redis.RateLimitResult, error) {
	return nil, errors.New("redis unavailable")
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	wrapped := RateLimitMiddleware(brokenLimiter{}, zap.NewNop(), TenantKeyFunc)(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Tenant-ID", "acme")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 when limiter is down, got %d", rec.Code)
	}
}
