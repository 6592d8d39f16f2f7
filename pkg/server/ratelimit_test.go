package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"

	"github.com/velvetlabs/spindate/pkg/server"
)

func TestRateLimiter_Allow(t *testing.T) {
	limiter := server.NewRateLimiter(rate.Limit(5), 5)

	ip := "192.168.1.1"

	// Burst of 5 passes.
	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow(ip), "request %d should be allowed", i+1)
	}
	assert.False(t, limiter.Allow(ip), "request 6 should be denied")

	// Different IP has its own bucket.
	assert.True(t, limiter.Allow("192.168.1.2"))
}

func TestRateLimiter_Refill(t *testing.T) {
	limiter := server.NewRateLimiter(rate.Limit(10), 2)

	ip := "192.168.1.1"
	assert.True(t, limiter.Allow(ip))
	assert.True(t, limiter.Allow(ip))
	assert.False(t, limiter.Allow(ip))

	// 150ms at 10/sec refills at least one token.
	time.Sleep(150 * time.Millisecond)
	assert.True(t, limiter.Allow(ip), "should be allowed after refill")
}

func TestRateLimitMiddleware_JSONResponse(t *testing.T) {
	limiter := server.NewRateLimiter(rate.Limit(1), 1)

	middleware := server.RateLimitMiddleware(limiter)
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/spin", nil)
	req.RemoteAddr = "192.168.1.50:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var errResp server.RateLimitError
	err := json.NewDecoder(rec.Body).Decode(&errResp)
	assert.NoError(t, err)
	assert.Equal(t, "rate_limit_exceeded", errResp.Error)
	assert.NotEmpty(t, errResp.Message)
	assert.Greater(t, errResp.RetryAfter, 0)
}

func TestRateLimitMiddleware_ForwardedFor(t *testing.T) {
	limiter := server.NewRateLimiter(rate.Limit(1), 1)
	middleware := server.RateLimitMiddleware(limiter)
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Two clients behind the same proxy get separate buckets.
	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/spin", nil)
		req.RemoteAddr = "172.16.0.1:443"
		req.Header.Set("X-Forwarded-For", ip)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "first request from %s", ip)
	}
}
