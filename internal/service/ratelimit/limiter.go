package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per key. All buckets share the same rate
// and burst.
type Limiter struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	limit rate.Limit
	burst int
	now   func() time.Time
}

// NewPerMinute allows perMinute events per key per minute with a burst of
// the same size. perMinute <= 0 disables limiting.
func NewPerMinute(perMinute int) *Limiter {
	l := &Limiter{m: make(map[string]*rate.Limiter), now: time.Now}
	if perMinute <= 0 {
		l.limit = rate.Inf
		return l
	}
	l.limit = rate.Every(time.Minute / time.Duration(perMinute))
	l.burst = perMinute
	return l
}

// SetNow replaces the time source.
func (l *Limiter) SetNow(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	b, ok := l.m[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.m[key] = b
	}
	return b
}

// Allow returns true if one token can be consumed for key.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucket(key).AllowN(l.now(), 1)
}
