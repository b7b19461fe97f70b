package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalBucket keeps one token bucket per key in process memory. Buckets
// start full and refill at capacity per minute.
type LocalBucket struct {
	capacity int
	refill   rate.Limit
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

type LocalOption func(*LocalBucket)

func WithClock(now func() time.Time) LocalOption {
	return func(l *LocalBucket) { l.now = now }
}

// NewLocalBucket admits perMinute requests per key per minute; values below
// one are raised to one
func NewLocalBucket(perMinute int, opts ...LocalOption) *LocalBucket {
	perMinute = max(1, perMinute)
	l := &LocalBucket{
		capacity: perMinute,
		refill:   rate.Limit(float64(perMinute) / 60.0),
		now:      time.Now,
		buckets:  map[string]*rate.Limiter{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *LocalBucket) Name() string {
	return "local"
}

func (l *LocalBucket) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.refill, l.capacity)
		l.buckets[key] = b
	}
	return b
}

// Admit takes one token from the key's bucket if a whole token is available
func (l *LocalBucket) Admit(_ context.Context, key string) Decision {
	return Decision{Allowed: l.bucket(key).AllowN(l.now(), 1)}
}

// Prune drops buckets that have refilled completely; a dropped bucket is
// indistinguishable from a new one
func (l *LocalBucket) Prune() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		if b.TokensAt(now) >= float64(l.capacity) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// RunPruner prunes every interval until ctx is done
func (l *LocalBucket) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}
