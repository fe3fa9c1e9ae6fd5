// Package ratelimit throttles partners with token buckets. Buckets live in
// process memory or, when several gate instances share a partner's
// budget, in Redis.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/relaygate/internal/logging"
	"github.com/mbd888/relaygate/internal/metrics"
)

// Config sets the sustained rate and the burst a bucket may absorb.
type Config struct {
	RequestsPerMinute int
	BurstSize         int
}

// DefaultConfig matches the gate's documented defaults.
func DefaultConfig() Config {
	return Config{RequestsPerMinute: 120, BurstSize: 20}
}

// perSecond is the refill rate.
func (c Config) perSecond() float64 {
	return float64(c.RequestsPerMinute) / 60
}

// Decision is the outcome of taking one token.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Bucket takes a token from the bucket named key.
type Bucket interface {
	Take(ctx context.Context, key string) (Decision, error)
}

// Middleware limits requests by keyFunc. A bucket that errors lets the
// request through: throttling protects capacity, not screening.
func Middleware(b Bucket, cfg Config, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	limit := strconv.Itoa(cfg.RequestsPerMinute)
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		d, err := b.Take(ctx, keyFunc(c))
		if err != nil {
			metrics.RateLimitDecisions.WithLabelValues("error").Inc()
			logging.L(ctx).Warn("rate limiter unavailable, allowing request", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", limit)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
		if d.Allowed {
			metrics.RateLimitDecisions.WithLabelValues("allowed").Inc()
			c.Next()
			return
		}

		metrics.RateLimitDecisions.WithLabelValues("limited").Inc()
		secs := max(int(math.Ceil(d.RetryAfter.Seconds())), 1)
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "Too many requests. Please slow down.",
			"retry_after": secs,
		})
	}
}
