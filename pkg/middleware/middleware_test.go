package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/contextkeys"
)

func TestRequestID(t *testing.T) {
	var gotID, gotIP, gotUA string
	handler := RequestID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = contextkeys.GetRequestID(r.Context())
		gotIP, gotUA = contextkeys.GetClient(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/catalog/version", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	req.Header.Set("User-Agent", "ops-console/2.1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.NotEmpty(t, gotID)
	assert.Equal(t, gotID, rec.Header().Get(RequestIDHeader))
	assert.Equal(t, "203.0.113.9", gotIP)
	assert.Equal(t, "ops-console/2.1", gotUA)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "upstream-42", gotID)
}

func TestActor(t *testing.T) {
	var got string
	handler := Actor("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ActorFromRequest(r)
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DefaultActorHeader, " user-7 ")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "user-7", got)
}

func TestRateLimiter_TokenBucket(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute, BurstSize: 1}, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "actor:a")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, _ := rl.Allow(ctx, "actor:a")
	assert.False(t, ok)

	// other keys have their own bucket
	ok, _ = rl.Allow(ctx, "actor:b")
	assert.True(t, ok)

	clock.Advance(30 * time.Second)
	ok, _ = rl.Allow(ctx, "actor:a")
	assert.True(t, ok)

	clock.Advance(5 * time.Minute)
	rl.Cleanup()
	assert.Empty(t, rl.buckets)
}

func TestRedisRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewRedisRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}, "test")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "actor:a")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "actor:a")
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := rl.TTL(ctx, "actor:a")
	require.NoError(t, err)
	assert.True(t, ttl > 0 && ttl <= time.Minute)

	mr.FastForward(time.Minute + time.Second)
	ok, err = rl.Allow(ctx, "actor:a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, rl.Reset(ctx, "actor:a"))
	assert.False(t, mr.Exists("test:actor:a"))
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}, clockwork.NewFakeClock())
	handler := Actor("")(RateLimit(rl, true, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/orgs", nil)
		req.Header.Set(DefaultActorHeader, "user-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send().Code)
	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestRateLimitMiddleware_LimiterDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	rl := NewRedisRateLimiter(client, nil, "")
	mr.Close()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	rec := httptest.NewRecorder()
	RateLimit(rl, true, nil)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	RateLimit(rl, false, nil)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
