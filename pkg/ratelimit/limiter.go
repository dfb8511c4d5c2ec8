package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/stem/pkg/tracing"
)

const (
	// DefaultRequests is the default request budget per window
	DefaultRequests = 60

	// DefaultWindow is the default budget window
	DefaultWindow = time.Minute

	// DefaultMaxWait bounds how long a caller blocks on a saturated bucket
	DefaultMaxWait = 2 * time.Minute

	keyPrefix = "fern:ratelimit:"
)

// Limiter paces outbound API requests through a shared Redis sliding window.
// Buckets are keyed by the caller, so every worker syncing the same tenant
// draws from the same budget.
type Limiter struct {
	limiter *redis.RateLimiter
	logger  ectologger.Logger

	requests int64
	window   time.Duration
	maxWait  time.Duration
}

// NewLimiter creates a limiter with the given per-window request budget
func NewLimiter(redisClient *redis.Client, logger ectologger.Logger, requests int, window time.Duration) *Limiter {
	if requests <= 0 {
		requests = DefaultRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}

	return &Limiter{
		limiter:  redis.NewRateLimiter(redisClient, keyPrefix),
		logger:   logger,
		requests: int64(requests),
		window:   window,
		maxWait:  DefaultMaxWait,
	}
}

// Wait blocks until the bucket allows another request.
// Returns an error if the wait would exceed the max wait or the context is cancelled.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	ctx, span := tracing.StartSpan(ctx, "RateLimiter.Wait")
	defer span.End()

	deadline := time.Now().Add(l.maxWait)
	var waited time.Duration

	for {
		result, err := l.limiter.Allow(ctx, key, l.requests, l.window)
		if err != nil {
			// On error, allow the request (fail open)
			l.logger.WithContext(ctx).WithError(err).Error("Rate limit check failed")
			return nil
		}

		if result.Allowed {
			if waited > 0 {
				metrics.RecordRateLimitWait(key, waited.Seconds())
			}
			l.logger.WithContext(ctx).Debugf("Rate limit %s: %d remaining", key, result.Remaining)
			return nil
		}

		retryIn := result.RetryIn
		if retryIn <= 0 {
			retryIn = 100 * time.Millisecond
		}

		if time.Now().Add(retryIn).After(deadline) {
			return fmt.Errorf("rate limit on %s would exceed max wait time of %v", key, l.maxWait)
		}

		l.logger.WithContext(ctx).Infof("Rate limited on %s, waiting %v", key, retryIn)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryIn):
			waited += retryIn
		}
	}
}

// BlockFor closes the bucket for the given duration. Used when the remote
// answers 429 with a Retry-After hint so later requests in the same run
// block proactively instead of burning the budget.
func (l *Limiter) BlockFor(ctx context.Context, key string, d time.Duration) error {
	ctx, span := tracing.StartSpan(ctx, "RateLimiter.BlockFor")
	defer span.End()

	if err := l.limiter.BlockFor(ctx, key, d); err != nil {
		return err
	}

	l.logger.WithContext(ctx).Warnf("Rate limit bucket %s blocked for %v", key, d)
	return nil
}

// Reset clears the bucket for a key
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.limiter.Reset(ctx, key)
}

// ParseRetryAfter parses a Retry-After header value
// Returns the duration to wait before retrying
func ParseRetryAfter(value string) (time.Duration, error) {
	// Try parsing as seconds
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	// Try parsing as HTTP date (RFC 1123)
	if t, err := time.Parse(time.RFC1123, value); err == nil {
		return time.Until(t), nil
	}

	return 0, fmt.Errorf("invalid Retry-After value: %s", value)
}
