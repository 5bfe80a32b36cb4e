// Package attribution assigns per-feature credit for a model score.
//
// Every method satisfies the same completeness contract: the contributions
// sum to score minus baseline within the configured tolerance, or the
// explanation is rejected.
package attribution

import (
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
)

// Attribution method identifiers, carried in the output payload.
const (
	MethodLinearExact  = "linear_exact"
	MethodTreePath     = "tree_path"
	MethodPerturbation = "perturbation"
)

// ScoreFunc re-scores an arbitrary feature vector. Used by the
// perturbation explainer for models without a transparent basis.
type ScoreFunc func(vector *domain.FeatureVector) (float64, error)

// Engine computes attribution vectors. Safe for concurrent use.
type Engine struct {
	tolerance float64
	samples   int
}

// NewEngine creates an attribution engine. tolerance bounds the
// completeness check; samples bounds coalition sampling for the
// perturbation method.
func NewEngine(tolerance float64, samples int) *Engine {
	if tolerance <= 0 {
		tolerance = 1e-3
	}
	if samples <= 0 {
		samples = 2048
	}
	return &Engine{tolerance: tolerance, samples: samples}
}

// Explain selects the attribution method from the score's decision basis.
// Models that expose no basis fall back to perturbation, which needs the
// scorer to probe feature coalitions.
func (e *Engine) Explain(txID string, result *domain.ScoreResult, vector *domain.FeatureVector, scorer ScoreFunc) (*domain.AttributionVector, error) {
	switch basis := result.Basis.(type) {
	case *model.LinearBasis:
		return e.explainLinear(basis)
	case *model.TreeBasis:
		return e.explainTree(basis, result.Score, vector.Names())
	default:
		return e.explainPerturbation(txID, result, vector, scorer)
	}
}

// finalize ranks contributions and verifies completeness. Ties in
// magnitude break by feature name so ranking is deterministic.
func (e *Engine) finalize(method string, baseline, score float64, contributions map[string]float64) (*domain.AttributionVector, error) {
	entries := make([]domain.AttributionEntry, 0, len(contributions))
	for name, c := range contributions {
		entries = append(entries, domain.AttributionEntry{
			FeatureName:  name,
			Contribution: c,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		ai, aj := math.Abs(entries[i].Contribution), math.Abs(entries[j].Contribution)
		if ai != aj {
			return ai > aj
		}
		return entries[i].FeatureName < entries[j].FeatureName
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}

	vec := &domain.AttributionVector{
		Method:   method,
		Baseline: baseline,
		Entries:  entries,
	}

	want := score - baseline
	if sum := vec.Sum(); math.Abs(sum-want) > e.tolerance {
		return nil, &domain.AttributionError{
			Method:    method,
			Sum:       sum,
			Want:      want,
			Tolerance: e.tolerance,
		}
	}

	return vec, nil
}
