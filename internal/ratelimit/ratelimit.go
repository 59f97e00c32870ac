// Package ratelimit wraps golang.org/x/time/rate with the two shapes the
// server needs: a single token bucket for per-connection command pacing, and
// a keyed collection of buckets for per-nickname message limits.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a single token bucket with a fixed burst and refill rate.
type Bucket struct {
	lim *rate.Limiter
}

// NewBucket returns a bucket holding burst tokens that refills at
// refillPerSecond tokens per second.
func NewBucket(burst int, refillPerSecond float64) *Bucket {
	return &Bucket{lim: rate.NewLimiter(rate.Limit(refillPerSecond), burst)}
}

// Allow consumes one token if available.
func (b *Bucket) Allow() bool { return b.lim.Allow() }

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Keyed is a set of token buckets indexed by an arbitrary string key. A
// bucket is created full on first use of its key.
type Keyed struct {
	mu      sync.Mutex
	burst   int
	refill  rate.Limit
	buckets map[string]*entry
}

// NewKeyed returns an empty keyed limiter. Every key gets its own bucket
// with the given burst and refill rate.
func NewKeyed(burst int, refillPerSecond float64) *Keyed {
	return &Keyed{
		burst:   burst,
		refill:  rate.Limit(refillPerSecond),
		buckets: make(map[string]*entry),
	}
}

// Allow consumes one token from key's bucket if available.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	e, ok := k.buckets[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(k.refill, k.burst)}
		k.buckets[key] = e
	}
	e.lastSeen = time.Now()
	k.mu.Unlock()
	return e.lim.Allow()
}

// Forget drops the bucket for key, if any. Called when a nickname is
// released so an abandoned bucket does not linger.
func (k *Keyed) Forget(key string) {
	k.mu.Lock()
	delete(k.buckets, key)
	k.mu.Unlock()
}

// Prune removes buckets not used within maxIdle and reports how many were
// dropped.
func (k *Keyed) Prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for key, e := range k.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(k.buckets, key)
			n++
		}
	}
	return n
}
