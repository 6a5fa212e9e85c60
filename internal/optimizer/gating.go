package optimizer

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/weightopt/internal/errs"
	"github.com/fyrsmithlabs/weightopt/internal/feedback"
	"github.com/fyrsmithlabs/weightopt/internal/gating"
	"github.com/fyrsmithlabs/weightopt/internal/scoring"
)

// DecideGating runs the gating engine on caller-supplied scores. A nil
// strategy means HybridDynamic.
func (c *Coordinator) DecideGating(ctx context.Context, layerID string, scores []float64, strategy gating.Strategy) (*gating.Decision, error) {
	d, err := c.engine.Decide(ctx, layerID, scores, strategy)
	if err != nil {
		return nil, err
	}
	c.decisions.Add(1)
	c.emit(feedback.KindCompliance, feedback.ComponentGatingEngine, d.ComplianceScore, layerID)
	return d, nil
}

// ScoreAndDecide scores a hidden state against the cached column norms of
// an optimized layer, suppresses scores below the activation threshold and
// gates the result.
func (c *Coordinator) ScoreAndDecide(ctx context.Context, modelID, layerID string, hidden []float64, strategy gating.Strategy) (*gating.Decision, error) {
	tr, ok := c.TransformResult(modelID, layerID)
	if !ok {
		return nil, fmt.Errorf("%w: layer %s of model %s has not been optimized", errs.ErrInvalidInput, layerID, modelID)
	}

	scores, err := scoring.Score(hidden, tr.ColumnNorms)
	if err != nil {
		return nil, fmt.Errorf("scoring layer %s: %w", layerID, err)
	}

	c.mu.RLock()
	frac := c.activationThreshold
	c.mu.RUnlock()
	scores, err = scoring.Suppress(scores, frac)
	if err != nil {
		return nil, err
	}

	return c.DecideGating(ctx, qualify(modelID, layerID), scores, strategy)
}

// RecordLayerPerformance forwards an externally measured performance value
// for a gated layer to the engine's history.
func (c *Coordinator) RecordLayerPerformance(layerID string, value float64) error {
	return c.engine.RecordPerformance(layerID, value)
}
