// Package admission gates requests before any loader or cache work: a
// cluster-wide token bucket per (operation class, principal) and a static
// query-cost scorer. A rejection here costs no backing-store I/O.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinelops/threatgraph/internal/domain"
	"github.com/sentinelops/threatgraph/internal/kv"
	"github.com/sentinelops/threatgraph/internal/logging"
	"github.com/sentinelops/threatgraph/internal/metrics"
)

// ClassLimit is the bucket shape for one operation class.
type ClassLimit struct {
	// Points is the number of operations permitted per window.
	Points int

	// Window is the replenishment period.
	Window time.Duration
}

// RateLimiterConfig contains limiter settings.
type RateLimiterConfig struct {
	// Classes maps operation class name to its bucket.
	Classes map[string]ClassLimit
}

// DefaultRateLimiterConfig returns the per-class buckets.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Classes: map[string]ClassLimit{
			"standard-query":    {Points: 100, Window: time.Minute},
			"enrichment":        {Points: 20, Window: time.Minute},
			"bulk-import":       {Points: 5, Window: 5 * time.Minute},
			"subscription-open": {Points: 10, Window: time.Minute},
		},
	}
}

// RateLimiter counts operations in the shared store so the limit holds
// across every request-handling instance. Consumption is a single atomic
// increment; there is no in-process state to drift.
type RateLimiter struct {
	config  RateLimiterConfig
	store   kv.Store
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewRateLimiter creates a limiter over the shared store.
func NewRateLimiter(config RateLimiterConfig, store kv.Store) *RateLimiter {
	return &RateLimiter{
		config:  config,
		store:   store,
		logger:  logging.Component("ratelimit"),
		metrics: metrics.Get(),
	}
}

// Allow consumes one token from the (class, principal) bucket. Returns a
// *domain.RateLimitedError when the bucket is exhausted. A broken shared
// store fails open with a warning: admission control degrades, it never
// takes the service down with it.
func (r *RateLimiter) Allow(ctx context.Context, class string, principal string) error {
	limit, ok := r.config.Classes[class]
	if !ok {
		return fmt.Errorf("unknown operation class: %s", class)
	}

	key := bucketKey(class, principal)
	count, err := r.store.IncrBy(ctx, key, 1, limit.Window)
	if err != nil {
		r.logger.Warn().Err(err).Str("class", class).Msg("Rate limit store unavailable, failing open")
		return nil
	}

	if count > int64(limit.Points) {
		retryAfter, err := r.store.TTL(ctx, key)
		if err != nil || retryAfter <= 0 {
			retryAfter = limit.Window
		}
		r.metrics.AdmissionRateLimitedTotal.WithLabelValues(class).Inc()
		return &domain.RateLimitedError{Class: class, RetryAfter: retryAfter}
	}
	return nil
}

func bucketKey(class, principal string) string {
	return fmt.Sprintf("ratelimit:%s:%s", class, principal)
}
