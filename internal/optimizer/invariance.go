package optimizer

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/weightopt/internal/errs"
	"github.com/fyrsmithlabs/weightopt/internal/telemetry"
	"github.com/fyrsmithlabs/weightopt/internal/transform"
	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// VerifyInvariance checks every layer of a model against its transformed
// form: matrix invariance plus output invariance ‖Wx − W'x‖/‖Wx‖ over the
// test inputs. Layers that were not optimized yet are transformed with the
// current rank fraction. A non-positive tolerance means the configured
// default. Per-layer errors are recorded, not returned.
func (c *Coordinator) VerifyInvariance(ctx context.Context, modelID string, testInputs [][]float64, tolerance float64) (sum *InvarianceSummary, err error) {
	if tolerance <= 0 {
		tolerance = c.cfg.InvarianceTolerance
	}
	for i, x := range testInputs {
		if err := errs.CheckFinite(fmt.Sprintf("input[%d]", i), x); err != nil {
			return nil, err
		}
	}

	ctx, span := telemetry.StartSpan(ctx, InstrumentationName, "optimizer.VerifyInvariance",
		attribute.String("model.id", modelID),
		attribute.Int("inputs", len(testInputs)),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	layers, err := c.source.Layers(ctx, modelID, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching layers for model %s: %w", modelID, err)
	}

	sum = &InvarianceSummary{ModelID: modelID, Tolerance: tolerance, AllMaintained: true}
	for _, layer := range layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		li := c.verifyLayer(ctx, modelID, layer, testInputs, tolerance)
		if li.Err != nil || !li.Matrix.InvarianceMaintained || !li.OutputInvariant {
			sum.AllMaintained = false
		}
		sum.Layers = append(sum.Layers, li)
	}
	span.SetAttributes(attribute.Bool("maintained", sum.AllMaintained))
	return sum, nil
}

func (c *Coordinator) verifyLayer(ctx context.Context, modelID string, layer Layer, inputs [][]float64, tol float64) LayerInvariance {
	li := LayerInvariance{LayerID: layer.ID}

	tr, ok := c.TransformResult(modelID, layer.ID)
	if !ok {
		var err error
		tr, err = c.transformer.Transform(ctx, layer.Weights, qualify(modelID, layer.ID), c.RankFraction())
		if err != nil {
			li.Err = err
			return li
		}
	}

	report, err := transform.VerifyInvariance(layer.Weights, tr.Transformed, tol)
	if err != nil {
		li.Err = err
		return li
	}
	li.Matrix = report

	worst, err := outputError(layer.Weights, tr.Transformed, inputs)
	if err != nil {
		li.Err = err
		return li
	}
	li.MaxOutputError = worst
	li.OutputInvariant = worst < tol
	return li
}

// outputError returns the largest ‖Wx − W'x‖/‖Wx‖ over inputs. When Wx is
// zero the absolute difference is used.
func outputError(w, wt mat.Matrix, inputs [][]float64) (float64, error) {
	_, cols := w.Dims()
	worst := 0.0
	for i, x := range inputs {
		if len(x) != cols {
			return 0, fmt.Errorf("%w: input[%d] has %d values, layer has %d columns", errs.ErrShapeMismatch, i, len(x), cols)
		}
		xv := mat.NewVecDense(cols, append([]float64(nil), x...))

		var y, yt mat.VecDense
		y.MulVec(w, xv)
		yt.MulVec(wt, xv)

		diff := make([]float64, y.Len())
		floats.SubTo(diff, y.RawVector().Data, yt.RawVector().Data)
		num := floats.Norm(diff, 2)
		den := floats.Norm(y.RawVector().Data, 2)

		e := num
		if den > 0 {
			e = num / den
		}
		worst = max(worst, e)
	}
	return worst, nil
}
