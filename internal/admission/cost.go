package admission

import (
	"github.com/sentinelops/threatgraph/internal/domain"
	"github.com/sentinelops/threatgraph/internal/metrics"
)

// CostScorerConfig contains cost scoring settings.
type CostScorerConfig struct {
	// FieldCosts is the static field identifier to weight table. A static
	// table keeps scoring O(request shape) with no schema reflection.
	FieldCosts map[string]int

	// DefaultFieldCost applies to fields absent from the table.
	DefaultFieldCost int

	// DefaultListMultiplier applies to list fields whose shape carries
	// no declared multiplicity.
	DefaultListMultiplier int

	// Ceiling is the maximum admissible score.
	Ceiling int
}

// DefaultCostScorerConfig returns the default weight table and ceiling.
// Base scalars cost 1, relationship lists 10-25, heavy computed or
// externally enriched fields 100-500.
func DefaultCostScorerConfig() CostScorerConfig {
	return CostScorerConfig{
		FieldCosts: map[string]int{
			"indicator":        1,
			"indicators":       10,
			"relatedActors":    25,
			"relatedCampaigns": 25,
			"alerts":           15,
			"enrichment":       100,
			"reputationScore":  150,
			"sandboxReport":    500,
			"analytics":        100,
		},
		DefaultFieldCost:      1,
		DefaultListMultiplier: 10,
		Ceiling:               2000,
	}
}

// CostScorer statically scores an operation shape before execution.
type CostScorer struct {
	config  CostScorerConfig
	metrics *metrics.Metrics
}

// NewCostScorer creates a scorer.
func NewCostScorer(config CostScorerConfig) *CostScorer {
	if config.Ceiling <= 0 {
		config.Ceiling = DefaultCostScorerConfig().Ceiling
	}
	if config.DefaultFieldCost <= 0 {
		config.DefaultFieldCost = 1
	}
	if config.DefaultListMultiplier <= 0 {
		config.DefaultListMultiplier = DefaultCostScorerConfig().DefaultListMultiplier
	}
	return &CostScorer{
		config:  config,
		metrics: metrics.Get(),
	}
}

// Score sums each field's weight multiplied by the list multipliers of
// its ancestors. The computation touches nothing but the shape itself.
func (c *CostScorer) Score(shape []domain.OperationShape) int {
	return c.score(shape, 1)
}

func (c *CostScorer) score(nodes []domain.OperationShape, factor int) int {
	total := 0
	for _, node := range nodes {
		weight, ok := c.config.FieldCosts[node.Field]
		if !ok {
			weight = c.config.DefaultFieldCost
		}
		total += weight * factor

		if len(node.Children) == 0 {
			continue
		}
		childFactor := factor
		if node.Multiplier > 0 {
			childFactor *= node.Multiplier
		}
		total += c.score(node.Children, childFactor)
	}
	return total
}

// Check scores the shape against the ceiling, returning a
// *domain.QueryTooComplexError carrying both numbers on rejection.
func (c *CostScorer) Check(shape []domain.OperationShape) error {
	score := c.Score(shape)
	c.metrics.QueryCostScore.Observe(float64(score))

	if score > c.config.Ceiling {
		c.metrics.AdmissionRejectedCost.Inc()
		return &domain.QueryTooComplexError{Score: score, Ceiling: c.config.Ceiling}
	}
	return nil
}

// NormalizeShape fills the default multiplicity into list nodes that
// declared none. The transport layer calls this once per request before
// scoring.
func (c *CostScorer) NormalizeShape(nodes []domain.OperationShape, isList func(field string) bool) []domain.OperationShape {
	out := make([]domain.OperationShape, len(nodes))
	for i, node := range nodes {
		normalized := node
		if node.Multiplier == 0 && isList != nil && isList(node.Field) {
			normalized.Multiplier = c.config.DefaultListMultiplier
		}
		normalized.Children = c.NormalizeShape(node.Children, isList)
		out[i] = normalized
	}
	return out
}
