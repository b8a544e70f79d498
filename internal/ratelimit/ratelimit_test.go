package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowRefills(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("owner-1"))
	assert.True(t, rl.Allow("owner-1"))
	assert.False(t, rl.Allow("owner-1"))
	assert.True(t, rl.Allow("owner-2"), "keys are independent")

	now = now.Add(500 * time.Millisecond)
	assert.False(t, rl.Allow("owner-1"), "half a token is not enough")

	now = now.Add(600 * time.Millisecond)
	assert.True(t, rl.Allow("owner-1"))
}

func TestPrune(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.Allow("a")

	now = now.Add(time.Hour)
	assert.Equal(t, 1, rl.Prune(time.Minute))
	assert.Equal(t, 1, rl.Remaining("a"))
}

func TestMiddlewareKeys(t *testing.T) {
	rl := NewRateLimiter(0, 1)
	h := Middleware(rl, func(r *http.Request) string { return r.Header.Get("X-Owner") })(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) }),
	)

	do := func(owner string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("X-Owner", owner)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusAccepted, do("a"))
	assert.Equal(t, http.StatusTooManyRequests, do("a"))
	assert.Equal(t, http.StatusAccepted, do("b"))
}

func TestMiddlewareReportsRemaining(t *testing.T) {
	rl := NewRateLimiter(0, 3)
	h := Middleware(rl, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Remaining"))
}
