package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// ---------------------------------------------------------------------------
// Config constructors
// ---------------------------------------------------------------------------

func TestLoginRateLimitConfig(t *testing.T) {
	cfg := LoginRateLimitConfig()
	if cfg.RequestsPerMinute != 10 {
		t.Errorf("RequestsPerMinute = %d, want 10", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 5 {
		t.Errorf("BurstSize = %d, want 5", cfg.BurstSize)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}
}

// ---------------------------------------------------------------------------
// MemoryLimiter
// ---------------------------------------------------------------------------

// newTestLimiter returns a limiter whose clock only moves when the test
// advances it.
func newTestLimiter(t *testing.T, rpm, burst int) (*MemoryLimiter, *time.Time) {
	t.Helper()
	rl := NewMemoryLimiter(RateLimitConfig{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Hour, // Don't clean up during tests
	})
	t.Cleanup(rl.Stop)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func allow(rl Limiter, key string) LimitResult {
	res, _ := rl.Allow(context.Background(), key)
	return res
}

func TestMemoryLimiter_AllowsUpToBurstSize(t *testing.T) {
	burst := 3
	rl, _ := newTestLimiter(t, 60, burst)

	allowed := 0
	for i := 0; i < burst+2; i++ {
		if allow(rl, "burst-test").Allowed {
			allowed++
		}
	}
	if allowed != burst {
		t.Errorf("allowed %d requests at burst=%d, want exactly %d", allowed, burst, burst)
	}
}

func TestMemoryLimiter_RemainingCountsDown(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 3)

	for i, want := range []int{2, 1, 0} {
		if got := allow(rl, "k").Remaining; got != want {
			t.Errorf("request %d: Remaining = %d, want %d", i+1, got, want)
		}
	}
}

func TestMemoryLimiter_TokensRefillOverTime(t *testing.T) {
	rl, now := newTestLimiter(t, 60, 2) // 1 token/sec

	for allow(rl, "refill-test").Allowed {
	}

	res := allow(rl, "refill-test")
	if res.Allowed {
		t.Fatal("Allow() = true with an empty bucket")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %v, want within (0, 1s]", res.RetryAfter)
	}

	*now = now.Add(1100 * time.Millisecond)
	if !allow(rl, "refill-test").Allowed {
		t.Error("Allow() = false after token refill, want true")
	}
}

func TestMemoryLimiter_RefillIsCappedAtBurst(t *testing.T) {
	rl, now := newTestLimiter(t, 60, 2)

	allow(rl, "k")
	*now = now.Add(time.Hour)

	allowed := 0
	for i := 0; i < 5; i++ {
		if allow(rl, "k").Allowed {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("allowed %d requests after a long idle, want burst of 2", allowed)
	}
}

func TestMemoryLimiter_DifferentKeysAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 2)

	for allow(rl, "key-a").Allowed {
	}
	if !allow(rl, "key-b").Allowed {
		t.Error("Allow() = false for independent key-b after exhausting key-a")
	}
}

func TestMemoryLimiter_CleanupRemovesIdleEntries(t *testing.T) {
	rl, now := newTestLimiter(t, 60, 2)

	allow(rl, "stale")
	*now = now.Add(idleEviction + time.Minute)
	allow(rl, "fresh")
	rl.cleanup()

	rl.mu.Lock()
	_, stale := rl.entries["stale"]
	_, fresh := rl.entries["fresh"]
	rl.mu.Unlock()

	if stale {
		t.Error("expected idle entry to be evicted")
	}
	if !fresh {
		t.Error("expected recent entry to be kept")
	}
}

func TestMemoryLimiter_Stop(t *testing.T) {
	rl := NewMemoryLimiter(RateLimitConfig{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Millisecond})
	// Should not block or panic
	rl.Stop()
}

// ---------------------------------------------------------------------------
// RedisLimiter
// ---------------------------------------------------------------------------

func newTestRedisLimiter(t *testing.T, rpm, burst int) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLimiter(client, RateLimitConfig{RequestsPerMinute: rpm, BurstSize: burst}), mr
}

func TestRedisLimiter_AllowsUpToBurstSize(t *testing.T) {
	rl, _ := newTestRedisLimiter(t, 1, 2)

	first := allow(rl, "ip:10.0.0.1")
	second := allow(rl, "ip:10.0.0.1")
	third := allow(rl, "ip:10.0.0.1")

	if !first.Allowed || !second.Allowed {
		t.Fatalf("first two requests should be allowed: %+v %+v", first, second)
	}
	if third.Allowed {
		t.Error("third request allowed past burst of 2")
	}
	if third.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v on a denied request, want > 0", third.RetryAfter)
	}
	if rl.Limit() != 1 {
		t.Errorf("Limit() = %d, want 1", rl.Limit())
	}
}

func TestRedisLimiter_DifferentKeysAreIndependent(t *testing.T) {
	rl, _ := newTestRedisLimiter(t, 1, 1)

	allow(rl, "ip:a")
	if !allow(rl, "ip:b").Allowed {
		t.Error("Allow() = false for independent key")
	}
}

func TestRedisLimiter_ConnectionFailure(t *testing.T) {
	rl, mr := newTestRedisLimiter(t, 10, 5)
	mr.Close()

	if _, err := rl.Allow(context.Background(), "ip:x"); err == nil {
		t.Error("Allow() error = nil with Redis down, want error")
	}
}

// ---------------------------------------------------------------------------
// getRateLimitKey
// ---------------------------------------------------------------------------

func TestGetRateLimitKey_IP(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	c.Request = req

	if key := getRateLimitKey(c); key != "ip:192.168.1.1" {
		t.Errorf("key = %q, want ip:192.168.1.1", key)
	}
}

// ---------------------------------------------------------------------------
// RateLimitMiddleware
// ---------------------------------------------------------------------------

func newRateLimitRouter(limiter Limiter) *gin.Engine {
	r := gin.New()
	r.Use(RateLimitMiddleware(limiter))
	r.POST("/api/auth/login", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func sendLogin(r http.Handler, remote string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req.RemoteAddr = remote
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_Allowed(t *testing.T) {
	rl, _ := newTestLimiter(t, 120, 10)
	w := sendLogin(newRateLimitRouter(rl), "10.0.0.1:1234")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "120" {
		t.Errorf("X-RateLimit-Limit = %q, want 120", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "9" {
		t.Errorf("X-RateLimit-Remaining = %q, want 9", got)
	}
}

func TestRateLimitMiddleware_Blocked(t *testing.T) {
	rl, _ := newTestLimiter(t, 1, 1)
	r := newRateLimitRouter(rl)

	if first := sendLogin(r, "10.0.0.2:1234"); first.Code != http.StatusOK {
		t.Errorf("first request status = %d, want 200", first.Code)
	}

	w := sendLogin(r, "10.0.0.2:1234")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}

	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 || retryAfter > 60 {
		t.Errorf("Retry-After = %q, want 1..60 seconds", w.Header().Get("Retry-After"))
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("429 body is not JSON: %v", err)
	}
	if body["error"] != "Rate limit exceeded" {
		t.Errorf("error = %v, want Rate limit exceeded", body["error"])
	}
	if body["retry_after"] != float64(retryAfter) {
		t.Errorf("retry_after = %v, want %d", body["retry_after"], retryAfter)
	}
}

func TestRateLimitMiddleware_OtherClientsUnaffected(t *testing.T) {
	rl, _ := newTestLimiter(t, 1, 1)
	r := newRateLimitRouter(rl)

	sendLogin(r, "10.0.0.5:1")
	sendLogin(r, "10.0.0.5:1")
	if w := sendLogin(r, "10.0.0.6:1"); w.Code != http.StatusOK {
		t.Errorf("status for a different client = %d, want 200", w.Code)
	}
}

func TestRateLimitMiddleware_RedisLimiter(t *testing.T) {
	rl, _ := newTestRedisLimiter(t, 1, 1)
	r := newRateLimitRouter(rl)

	if w := sendLogin(r, "10.0.0.7:1"); w.Code != http.StatusOK {
		t.Errorf("first request status = %d, want 200", w.Code)
	}
	if w := sendLogin(r, "10.0.0.7:1"); w.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", w.Code)
	}
}

// failingLimiter always errors, standing in for an unreachable Redis.
type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (LimitResult, error) {
	return LimitResult{}, errors.New("connection refused")
}

func (failingLimiter) Limit() int { return 10 }

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	w := sendLogin(newRateLimitRouter(failingLimiter{}), "10.0.0.8:1")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when the limiter is unavailable", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "" {
		t.Errorf("X-RateLimit-Limit = %q, want no rate limit headers on failure", got)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{200 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{time.Minute, 60},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
