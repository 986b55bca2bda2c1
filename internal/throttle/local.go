// Package throttle limits attempts per key. Redis backs the shared limiter
// used across API replicas; Local keeps token buckets in process memory.
package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Local is a token bucket per key. Idle buckets are dropped after idleTTL.
type Local struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLocal allows burst events at once, refilling at perSecond.
func NewLocal(perSecond float64, burst int) *Local {
	if burst <= 0 {
		burst = 1
	}
	return &Local{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idleTTL: 5 * time.Minute,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// NewLocalWindow allows attempts events per window.
func NewLocalWindow(attempts int, window time.Duration) *Local {
	if attempts <= 0 {
		attempts = 1
	}
	l := NewLocal(float64(attempts)/window.Seconds(), attempts)
	if window > l.idleTTL {
		l.idleTTL = window
	}
	return l
}

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > l.idleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.idleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1), nil
}

func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
