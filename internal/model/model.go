package model

import (
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

// Model scores one feature vector. Implementations are immutable after
// construction and safe for concurrent use.
type Model interface {
	// Version returns the artifact version this model was built from.
	Version() string

	// Kind returns the model family, linear or tree_ensemble.
	Kind() string

	// Schema returns the feature specs in input order.
	Schema() features.Schema

	// Baseline returns the model's expected score with reference inputs,
	// the anchor point for attribution.
	Baseline() float64

	// Score evaluates the vector. The vector must match the schema
	// exactly; both missing and unexpected features are rejected.
	Score(vector *domain.FeatureVector) (*domain.ScoreResult, error)
}

// FromArtifact builds the concrete model for a validated artifact.
func FromArtifact(a *Artifact) (Model, error) {
	switch a.Kind {
	case KindLinear:
		return newLinearModel(a), nil
	case KindTreeEnsemble:
		return newTreeModel(a), nil
	default:
		// Unreachable after Validate, kept for direct construction
		return nil, &domain.SchemaError{
			ModelVersion: a.Version,
			Reason:       "unknown model kind " + a.Kind,
		}
	}
}

// checkSchema verifies strict set equality between the vector and the
// model's expected features.
func checkSchema(version string, vector *domain.FeatureVector, names []string) ([]float64, error) {
	extras := vector.Extras(names)
	values, missing := vector.Values(names)
	if len(missing) > 0 || len(extras) > 0 {
		return nil, &domain.SchemaError{
			ModelVersion: version,
			Missing:      missing,
			Extra:        extras,
		}
	}
	return values, nil
}
