package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrCacheUnavailable marks shared-tier failures inside the cache layer.
// Callers never see it; the cache logs and degrades to a miss.
var ErrCacheUnavailable = errors.New("shared cache unavailable")

// RateLimitedError reports an exhausted operation-class bucket.
type RateLimitedError struct {
	// Class is the operation class whose bucket ran out.
	Class string

	// RetryAfter is how long until the window replenishes.
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: class %s, retry after %s", e.Class, e.RetryAfter)
}

// QueryTooComplexError reports a statically scored operation over the
// admission ceiling.
type QueryTooComplexError struct {
	Score   int
	Ceiling int
}

func (e *QueryTooComplexError) Error() string {
	return fmt.Sprintf("query too complex: score %d exceeds ceiling %d", e.Score, e.Ceiling)
}

// IsRateLimited reports whether err is a rate-limit rejection.
func IsRateLimited(err error) bool {
	var target *RateLimitedError
	return errors.As(err, &target)
}

// IsQueryTooComplex reports whether err is a cost-ceiling rejection.
func IsQueryTooComplex(err error) bool {
	var target *QueryTooComplexError
	return errors.As(err, &target)
}
