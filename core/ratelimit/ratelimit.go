// Package ratelimit implements an in-memory, per-key fixed-window rate limiter.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	Window = time.Minute

	cleanupEvery = 5 * time.Minute
	staleAfter   = 2 * Window
)

// Limiter counts requests per key over fixed one-minute windows.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	count    int
	windowAt time.Time
}

func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow reports whether one more request for key fits in the current window.
// A limit <= 0 disables limiting.
func (l *Limiter) Allow(key string, limit int) bool {
	if limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowAt) >= Window {
		l.buckets[key] = &bucket{count: 1, windowAt: now}
		return true
	}
	if b.count >= limit {
		return false
	}
	b.count++
	return true
}

// RetryAfter returns the time left before the current window of key resets.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		return 0
	}
	left := Window - l.now().Sub(b.windowAt)
	if left < 0 {
		return 0
	}
	return left
}

// Run removes stale buckets every 5 minutes until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-staleAfter)
	for k, b := range l.buckets {
		if b.windowAt.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}
