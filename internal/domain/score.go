package domain

// DecisionBasis is the model-internal artifact the attribution engine needs
// to assign exact per-feature credit. It never leaves the pipeline.
type DecisionBasis interface {
	// BasisKind identifies the concrete basis type, e.g. "linear" or "tree_path".
	BasisKind() string
}

// ScoreResult is the output of the scoring engine for one transaction.
type ScoreResult struct {
	TransactionID string  `json:"transactionId"`
	Score         float64 `json:"score"`
	ModelVersion  string  `json:"modelVersion"`

	// Baseline is the model's expected value with no informative features,
	// the reference point for attribution completeness.
	Baseline float64 `json:"baseline"`

	// Basis is opaque and excluded from any serialized form.
	Basis DecisionBasis `json:"-"`
}
