package attribution

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
)

// explainLinear credits each feature its weighted deviation from the
// reference input. The raw terms live in margin space; they are rescaled
// into score space so completeness holds against the sigmoid output, not
// the margin.
func (e *Engine) explainLinear(basis *model.LinearBasis) (*domain.AttributionVector, error) {
	contributions := make(map[string]float64, len(basis.FeatureNames))

	marginDelta := basis.Margin - basis.BaselineMargin
	scoreDelta := basis.Score - basis.BaselineScore

	scale := 0.0
	if math.Abs(marginDelta) > 1e-12 {
		scale = scoreDelta / marginDelta
	}

	for _, name := range basis.FeatureNames {
		term := basis.Weights[name] * (basis.Values[name] - basis.BaselineValues[name])
		contributions[name] = term * scale
	}

	return e.finalize(MethodLinearExact, basis.BaselineScore, basis.Score, contributions)
}

// explainTree credits each split feature the change in expected value the
// split caused along the decision path. The per-step deltas telescope from
// the ensemble's expected value to the realized leaf sum, so the method is
// exactly complete by construction.
func (e *Engine) explainTree(basis *model.TreeBasis, score float64, names []string) (*domain.AttributionVector, error) {
	contributions := make(map[string]float64, len(names))
	for _, name := range names {
		contributions[name] = 0
	}
	for _, step := range basis.Steps {
		contributions[step.Feature] += step.ChildValue - step.NodeValue
	}

	baseline := basis.Base + basis.RootSum
	return e.finalize(MethodTreePath, baseline, score, contributions)
}
