package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(ctx, "ip:1.2.3.4"), "request %d should be allowed", i+1)
	}
	assert.False(t, rl.Allow(ctx, "ip:1.2.3.4"), "request over the limit must be denied")

	// Other keys are unaffected
	assert.True(t, rl.Allow(ctx, "ip:5.6.7.8"))
}

func TestRedisRateLimiter_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rl := NewRedisRateLimiter(client, time.Minute, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(ctx, "device:D1"), "request %d should be allowed", i+1)
	}
	assert.False(t, rl.Allow(ctx, "device:D1"))
	assert.True(t, rl.Allow(ctx, "device:D2"), "other keys are unaffected")

	// After the window expires the budget resets
	mr.FastForward(2 * time.Minute)
	assert.True(t, rl.Allow(ctx, "device:D1"))
}

func TestRedisRateLimiter_FailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rl := NewRedisRateLimiter(client, time.Minute, 1)
	ctx := context.Background()

	mr.Close()

	// Redis being down must not take the authentication path down with it
	assert.True(t, rl.Allow(ctx, "device:D1"))
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 1)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimitMiddleware(rl, GetIPKey)(next)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/otp/verify", nil)
	req.RemoteAddr = "1.2.3.4:5678"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetIPKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "1.2.3.4:5678"
	assert.Equal(t, "ip:1.2.3.4:5678", GetIPKey(req))

	req.Header.Set("X-Forwarded-For", "9.8.7.6, 1.2.3.4")
	assert.Equal(t, "ip:9.8.7.6", GetIPKey(req))
}
