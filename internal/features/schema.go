// Package features builds model-ready feature vectors from transactions.
package features

// Feature sources. Transaction features read a numeric field directly,
// history features read a behavioral aggregate, expression features are
// CEL programs evaluated against both.
const (
	SourceTransaction = "transaction"
	SourceHistory     = "history"
	SourceExpr        = "expr"
)

// FeatureSpec describes how one feature is computed.
type FeatureSpec struct {
	Name   string `json:"name"`
	Source string `json:"source"`

	// Field names the input for transaction and history sources.
	// Transaction fields: amount, hour_of_day.
	// History fields: tx_count_1h, tx_count_24h, avg_amount_30d,
	// device_tx_count, known_device.
	Field string `json:"field,omitempty"`

	// Expr is a CEL expression returning bool, int, or double.
	Expr string `json:"expr,omitempty"`

	// Default replaces the value when its source is unavailable,
	// e.g. history lookups during a degraded window.
	Default *float64 `json:"default,omitempty"`

	// Required rejects the request when the source is absent and no
	// Default is declared: a zero-valued transaction field (omitted
	// JSON fields decode to zero) or a degraded history lookup.
	Required bool `json:"required,omitempty"`
}

// Schema is the ordered list of features a model expects. Order matters:
// it fixes the vector layout the scoring engine sees.
type Schema []FeatureSpec

// Names returns the feature names in schema order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, spec := range s {
		names[i] = spec.Name
	}
	return names
}

// DefaultSchema returns the stock card-fraud feature set. Deployments
// override it per model via the artifact's feature list.
func DefaultSchema() Schema {
	return Schema{
		{Name: "amount", Source: SourceTransaction, Field: "amount", Required: true},
		{Name: "hour_of_day", Source: SourceTransaction, Field: "hour_of_day"},
		{Name: "tx_count_1h", Source: SourceHistory, Field: "tx_count_1h"},
		{Name: "tx_count_24h", Source: SourceHistory, Field: "tx_count_24h"},
		{Name: "amount_over_avg", Source: SourceExpr,
			Expr: "avg_amount_30d > 0.0 ? amount / avg_amount_30d : 1.0"},
		{Name: "new_device", Source: SourceExpr,
			Expr: "known_device ? 0.0 : 1.0"},
		{Name: "night_time", Source: SourceExpr,
			Expr: "hour_of_day < 6"},
	}
}
