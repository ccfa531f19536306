package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(rate, burst)
	m.now = clock.now
	t.Cleanup(func() { _ = m.Close() })
	return m, clock
}

func allowN(t *testing.T, m *MemoryLimiter, key string, n int) int {
	t.Helper()
	allowed := 0
	for range n {
		ok, err := m.Allow(context.Background(), key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newLimiter(t, 1, 3)
	assert.Equal(t, 3, allowN(t, m, "10.0.0.1", 5))
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, clock := newLimiter(t, 2, 2)
	assert.Equal(t, 2, allowN(t, m, "k", 3))

	clock.advance(500 * time.Millisecond)
	assert.Equal(t, 1, allowN(t, m, "k", 2))

	clock.advance(time.Hour)
	assert.Equal(t, 2, allowN(t, m, "k", 5), "refill is capped at burst")
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m, _ := newLimiter(t, 1, 1)
	assert.Equal(t, 1, allowN(t, m, "a", 2))
	assert.Equal(t, 1, allowN(t, m, "b", 2))
}

func TestMemoryLimiterEvictsStaleBuckets(t *testing.T) {
	m, clock := newLimiter(t, 1, 1)
	allowN(t, m, "old", 1)
	clock.advance(staleThreshold + time.Second)
	allowN(t, m, "fresh", 1)

	m.evictStale()
	assert.Equal(t, 1, m.size())
}

func TestMemoryLimiterCloseIsIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestMiddlewareRejectsOverBudget(t *testing.T) {
	m, _ := newLimiter(t, 1, 1)
	h := Middleware(m, IPKeyFunc, nil, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 2)
	for range 2 {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = "192.0.2.7:41234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusTooManyRequests}, codes)
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:8080"
	assert.Equal(t, "2001:db8::1", IPKeyFunc(req))

	req.RemoteAddr = "unix"
	assert.Equal(t, "unix", IPKeyFunc(req))
}
