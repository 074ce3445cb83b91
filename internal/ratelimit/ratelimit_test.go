package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reliance/pkg/requestcontext"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestAllow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(1, 2, WithClock(clock.Now))

	first := l.Allow("10.0.0.1")
	second := l.Allow("10.0.0.1")
	third := l.Allow("10.0.0.1")

	assert.True(t, first.Allowed)
	assert.Equal(t, 1, first.Remaining)
	assert.True(t, second.Allowed)
	assert.False(t, third.Allowed)
	assert.Equal(t, time.Second, third.RetryAfter)

	t.Run("keys are independent", func(t *testing.T) {
		assert.True(t, l.Allow("10.0.0.2").Allowed)
	})

	t.Run("tokens refill over time", func(t *testing.T) {
		clock.now = clock.now.Add(time.Second)
		assert.True(t, l.Allow("10.0.0.1").Allowed)
	})
}

func TestDisabledLimiterAdmitsEverything(t *testing.T) {
	l := New(0, 0)
	for range 100 {
		require.True(t, l.Allow("10.0.0.1").Allowed)
	}
	assert.False(t, l.Enabled())
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(1, 1, WithClock(clock.Now), WithIdleTTL(time.Minute))
	l.Allow("10.0.0.1")
	clock.now = clock.now.Add(30 * time.Second)
	l.Allow("10.0.0.2")

	clock.now = clock.now.Add(45 * time.Second)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 0, l.Sweep())
}

func TestMiddleware(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(0.5, 1, WithClock(clock.Now))
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/onboard", nil)
		req = req.WithContext(requestcontext.WithClientMetadata(req.Context(), "10.0.0.1", "test"))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	rr := send()
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

	rr = send()
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("Retry-After"))
	assert.Contains(t, rr.Body.String(), "rate_limit_exceeded")
}
