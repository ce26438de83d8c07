package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterSweepEvery = 5 * time.Minute
	limiterIdleAfter  = 10 * time.Minute
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// buckets holds one token bucket per client key.
type buckets struct {
	mu    sync.Mutex
	rps   rate.Limit
	burst int
	m     map[string]*bucket
}

func (b *buckets) get(key string, now time.Time) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.m[key]
	if !ok {
		e = &bucket{lim: rate.NewLimiter(b.rps, b.burst)}
		b.m[key] = e
	}
	e.seen = now
	return e.lim
}

func (b *buckets) evictIdle(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, e := range b.m {
		if now.Sub(e.seen) > limiterIdleAfter {
			delete(b.m, k)
		}
	}
}

// RateLimiter returns a Gin middleware enforcing a token bucket per client IP.
// Retry-After carries the wait until the next token. Idle buckets are evicted
// until ctx ends.
func RateLimiter(ctx context.Context, rps, burst int) gin.HandlerFunc {
	b := &buckets{rps: rate.Limit(rps), burst: burst, m: make(map[string]*bucket)}

	go func() {
		ticker := time.NewTicker(limiterSweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				b.evictIdle(now)
			}
		}
	}()

	return func(c *gin.Context) {
		now := time.Now()
		r := b.get(c.ClientIP(), now).ReserveN(now, 1)
		if !r.OK() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		if wait := r.DelayFrom(now); wait > 0 {
			r.CancelAt(now)
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
