package admission

import (
	"context"

	"github.com/sentinelops/threatgraph/internal/domain"
	"github.com/sentinelops/threatgraph/internal/kv"
	"github.com/sentinelops/threatgraph/internal/metrics"
)

// Ensure Controller implements domain.Admitter
var _ domain.Admitter = (*Controller)(nil)

// Config contains admission controller settings.
type Config struct {
	RateLimitEnabled bool
	RateLimiter      RateLimiterConfig
	CostScorer       CostScorerConfig
}

// DefaultConfig returns a default admission configuration.
func DefaultConfig() Config {
	return Config{
		RateLimitEnabled: true,
		RateLimiter:      DefaultRateLimiterConfig(),
		CostScorer:       DefaultCostScorerConfig(),
	}
}

// Controller composes the two independent gates. Both run before any
// loader or cache work; a rejection short-circuits with no I/O beyond
// the limiter's single shared-store increment.
type Controller struct {
	config  Config
	limiter *RateLimiter
	scorer  *CostScorer
	metrics *metrics.Metrics
}

// New creates an admission controller over the shared store.
func New(config Config, store kv.Store) *Controller {
	return &Controller{
		config:  config,
		limiter: NewRateLimiter(config.RateLimiter, store),
		scorer:  NewCostScorer(config.CostScorer),
		metrics: metrics.Get(),
	}
}

// Admit runs the rate gate, then the cost gate. Returns nil, a
// *domain.RateLimitedError or a *domain.QueryTooComplexError.
func (c *Controller) Admit(ctx context.Context, auth *domain.AuthContext, class string, shape []domain.OperationShape) error {
	principal := "anonymous"
	if auth != nil && auth.PrincipalID != "" {
		principal = auth.PrincipalID
	}

	if c.config.RateLimitEnabled {
		if err := c.limiter.Allow(ctx, class, principal); err != nil {
			return err
		}
	}

	if len(shape) > 0 {
		if err := c.scorer.Check(shape); err != nil {
			return err
		}
	}

	c.metrics.AdmissionAllowedTotal.WithLabelValues(class).Inc()
	return nil
}
