// Package ratelimit throttles API callers with one token bucket per detector
// key, or per client IP for anonymous callers.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/mitigator/internal/auth"
	"github.com/mbd888/mitigator/internal/metrics"
	"github.com/mbd888/mitigator/internal/syncutil"
)

// Config sizes the buckets.
type Config struct {
	PerMinute int
	Burst     int
	// IdleTTL is how long an untouched bucket is kept. It is also the sweep
	// interval.
	IdleTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.PerMinute <= 0 {
		c.PerMinute = 600
	}
	if c.Burst <= 0 {
		c.Burst = max(c.PerMinute/6, 10)
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 2 * time.Minute
	}
	return c
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// Limiter holds the buckets and sweeps idle ones in the background.
type Limiter struct {
	cfg      Config
	rate     float64 // tokens per second
	buckets  *syncutil.ShardedMap[bucket]
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// New starts a limiter. Call Stop to end its sweeper.
func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		cfg:     cfg,
		rate:    float64(cfg.PerMinute) / 60,
		buckets: syncutil.NewShardedMap[bucket](),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Take spends one token from key's bucket. When the bucket is empty it
// returns false and how long until a token is available.
func (l *Limiter) Take(key string) (bool, time.Duration) {
	now := l.now()
	var ok bool
	var wait time.Duration
	l.buckets.Update(key, func(b bucket, exists bool) (bucket, bool) {
		if !exists {
			b = bucket{tokens: float64(l.cfg.Burst)}
		} else {
			b.tokens = math.Min(float64(l.cfg.Burst), b.tokens+now.Sub(b.seen).Seconds()*l.rate)
		}
		b.seen = now
		if b.tokens >= 1 {
			b.tokens--
			ok = true
		} else {
			wait = time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
		}
		return b, true
	})
	return ok, wait
}

// Allow is Take without the wait.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.Take(key)
	return ok
}

// Sweep drops buckets idle for longer than IdleTTL and returns how many.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	return l.buckets.Sweep(func(_ string, b bucket) (bucket, bool) {
		return b, !b.seen.Before(cutoff)
	})
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int { return l.buckets.Len() }

// Stop ends the sweeper. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.cfg.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stop:
			return
		}
	}
}

func callerKey(c *gin.Context) (key, kind string) {
	if k, ok := auth.GetAPIKey(c); ok {
		return "key:" + k.ID, "key"
	}
	return "ip:" + c.ClientIP(), "ip"
}

// Middleware rejects callers over their budget with 429 and Retry-After.
// It must run after auth.Middleware.
func (l *Limiter) Middleware() gin.HandlerFunc {
	limit := strconv.Itoa(l.cfg.PerMinute)
	return func(c *gin.Context) {
		key, kind := callerKey(c)
		c.Header("X-RateLimit-Limit", limit)

		ok, wait := l.Take(key)
		if !ok {
			secs := max(int(math.Ceil(wait.Seconds())), 1)
			metrics.APIThrottledTotal.WithLabelValues(kind).Inc()
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate_limit_exceeded",
				"message":    "Too many requests. Please slow down.",
				"retryAfter": secs,
			})
			return
		}
		c.Next()
	}
}
