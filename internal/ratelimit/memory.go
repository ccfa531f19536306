package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	staleThreshold = 10 * time.Minute
	evictionPeriod = time.Minute
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps one token bucket per key in process. Keys idle for
// longer than ten minutes are forgotten by a background sweep.
type MemoryLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu   sync.Mutex
	keys map[string]*entry

	closeOnce sync.Once
	done      chan struct{}
}

// NewMemoryLimiter admits rps requests per second per key, with bursts of up
// to burst. Close stops the sweep goroutine.
func NewMemoryLimiter(rps float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		limit: rate.Limit(rps),
		burst: burst,
		now:   time.Now,
		keys:  make(map[string]*entry),
		done:  make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow takes one token from key's bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := m.now()

	m.mu.Lock()
	e, ok := m.keys[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.keys[key] = e
	}
	e.lastSeen = now
	m.mu.Unlock()

	return e.limiter.AllowN(now, 1), nil
}

// Close stops the sweep goroutine. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(evictionPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	cutoff := m.now().Add(-staleThreshold)

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.keys {
		if e.lastSeen.Before(cutoff) {
			delete(m.keys, key)
		}
	}
}

func (m *MemoryLimiter) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}
