// Package ratelimit spaces outbound calls per key.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	MinInterval = 250 * time.Millisecond
	MinRate     = 0.1
)

// Limiter holds one token bucket of burst 1 per key, so consecutive calls
// under the same key are at least Interval(rate) apart. Distinct keys never
// block each other.
type Limiter struct {
	mu   sync.Mutex
	keys map[string]*rate.Limiter
}

func New() *Limiter {
	return &Limiter{keys: make(map[string]*rate.Limiter)}
}

// Interval is max(250ms, 1s/rate) with rate clamped to at least 0.1/s.
func Interval(ratePerSecond float64) time.Duration {
	if ratePerSecond <= 0 {
		ratePerSecond = MinRate
	}
	d := time.Duration(float64(time.Second) / ratePerSecond)
	if d < MinInterval {
		d = MinInterval
	}
	return d
}

// Wait blocks until the key may make its next call. It only fails when ctx
// is done first.
func (l *Limiter) Wait(ctx context.Context, key string, ratePerSecond float64) error {
	return l.get(key, ratePerSecond).Wait(ctx)
}

func (l *Limiter) get(key string, ratePerSecond float64) *rate.Limiter {
	limit := rate.Every(Interval(ratePerSecond))

	l.mu.Lock()
	defer l.mu.Unlock()
	lim := l.keys[key]
	if lim == nil {
		lim = rate.NewLimiter(limit, 1)
		l.keys[key] = lim
		return lim
	}
	if lim.Limit() != limit {
		lim.SetLimit(limit)
	}
	return lim
}

// Forget drops the state of a key, e.g. after a session is superseded.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.keys, key)
	l.mu.Unlock()
}
