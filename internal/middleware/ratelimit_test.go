package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter(t *testing.T) {
	l := NewRateLimiter(4)
	now := time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(remote, userID string) int {
		r := httptest.NewRequest(http.MethodGet, "/api/leaderboard", nil)
		r.RemoteAddr = remote
		if userID != "" {
			r = r.WithContext(WithUserID(r.Context(), userID))
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1234", ""))
	assert.Equal(t, http.StatusOK, do("10.0.0.1:5678", ""))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:1234", ""))

	assert.Equal(t, http.StatusOK, do("10.0.0.2:1234", ""), "other clients keep their own budget")
	assert.Equal(t, http.StatusOK, do("10.0.0.1:1234", "u1"), "authenticated requests are keyed by user")

	now = now.Add(15 * time.Second)
	assert.Equal(t, http.StatusOK, do("10.0.0.1:1234", ""))
}

func TestRateLimiter_SweepsIdleClientsPeriodically(t *testing.T) {
	l := NewRateLimiter(60)
	start := time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)
	now := start
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("ip:10.0.0.1"))
	assert.True(t, l.allow("ip:10.0.0.2"))
	require.Len(t, l.limiters, 2)

	// Клиенты уже простаивают дольше limiterIdleTTL, но до очередной очистки
	// карта не перебирается.
	l.nextSweep = start.Add(limiterIdleTTL + 2*limiterSweepInterval)
	now = start.Add(limiterIdleTTL + limiterSweepInterval)
	assert.True(t, l.allow("ip:10.0.0.3"))
	assert.Len(t, l.limiters, 3)

	now = l.nextSweep
	assert.True(t, l.allow("ip:10.0.0.3"))
	assert.Len(t, l.limiters, 1)
	assert.Contains(t, l.limiters, "ip:10.0.0.3")
	assert.Equal(t, now.Add(limiterSweepInterval), l.nextSweep)

	now = now.Add(time.Second)
	assert.True(t, l.allow("ip:10.0.0.4"))
	assert.Len(t, l.limiters, 2, "no sweep before the interval elapses")
}

func TestRateLimiter_Disabled(t *testing.T) {
	l := NewRateLimiter(0)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for range 100 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}
