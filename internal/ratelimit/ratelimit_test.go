package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestAllow_BurstThenDeny(t *testing.T) {
	l := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("203.0.113.7") {
			t.Fatalf("request %d within burst was denied", i)
		}
	}
	if l.Allow("203.0.113.7") {
		t.Fatal("request beyond burst was allowed")
	}
}

func TestAllow_RefillsOverTime(t *testing.T) {
	l := New(Config{
		RequestsPerMinute: 600, // 10/sec so the test stays fast
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})
	defer l.Stop()

	if !l.Allow("client") {
		t.Fatal("first request denied")
	}
	if l.Allow("client") {
		t.Fatal("empty bucket allowed a request")
	}

	time.Sleep(110 * time.Millisecond)

	if !l.Allow("client") {
		t.Fatal("bucket did not refill")
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		l.Allow("client_a")
	}
	if l.Allow("client_a") {
		t.Fatal("exhausted caller was allowed")
	}
	if !l.Allow("client_b") {
		t.Fatal("fresh caller was denied because another one is throttled")
	}
}

func TestMiddleware_RejectsWith429(t *testing.T) {
	l := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/v1/escrow", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/escrow", nil)
		req.RemoteAddr = "203.0.113.9:4242"
		r.ServeHTTP(w, req)
		return w
	}

	if w := do(); w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", w.Code)
	}
	w := do()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("throttled response missing Retry-After header")
	}
}

func TestMiddleware_AuthorizationGetsOwnBucket(t *testing.T) {
	l := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/v1/escrow", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(authz string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/escrow", nil)
		req.RemoteAddr = "203.0.113.9:4242"
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		r.ServeHTTP(w, req)
		return w.Code
	}

	// Exhaust the anonymous bucket for this IP.
	do("")
	if code := do(""); code != http.StatusTooManyRequests {
		t.Fatalf("anonymous: status = %d, want 429", code)
	}

	// An authenticated caller from the same IP is keyed separately.
	if code := do("Bearer sk_live_abc123"); code != http.StatusOK {
		t.Fatalf("authenticated: status = %d, want 200", code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 || cfg.BurstSize != 10 || cfg.CleanupInterval != time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
