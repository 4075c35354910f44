package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config is a token bucket: RequestsPerSecond refill, Burst capacity.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// Limiter keeps one token bucket per key, keys are route names.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
}

func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[string]*rate.Limiter)}
}

// Allow takes a token from the bucket of key. A bucket whose config changed
// after a reload is retuned in place so its current fill level is kept.
func (l *Limiter) Allow(key string, cfg Config) bool {
	lim := l.bucket(key, cfg)
	if lim.Limit() != rate.Limit(cfg.RequestsPerSecond) {
		lim.SetLimit(rate.Limit(cfg.RequestsPerSecond))
	}
	if lim.Burst() != cfg.Burst {
		lim.SetBurst(cfg.Burst)
	}
	return lim.Allow()
}

func (l *Limiter) bucket(key string, cfg Config) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok = l.buckets[key]; !ok {
		lim = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
		l.buckets[key] = lim
	}
	return lim
}

// Retain drops the buckets of keys not in keep, called after a reload.
func (l *Limiter) Retain(keep map[string]struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.buckets {
		if _, ok := keep[k]; !ok {
			delete(l.buckets, k)
		}
	}
}

func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
