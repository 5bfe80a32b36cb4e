package domain

import (
	"fmt"
	"strings"
)

// SchemaError reports a mismatch between a transaction or feature vector and
// the active model's input schema. It rejects the single request; the
// pipeline itself keeps running.
type SchemaError struct {
	ModelVersion string
	Missing      []string
	Extra        []string
	Field        string
	Reason       string
}

func (e *SchemaError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing features: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, fmt.Sprintf("unexpected features: %s", strings.Join(e.Extra, ", ")))
	}
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field %q: %s", e.Field, e.Reason))
	}
	if len(parts) == 0 {
		parts = append(parts, e.Reason)
	}
	if e.ModelVersion != "" {
		return fmt.Sprintf("schema mismatch for model %s: %s", e.ModelVersion, strings.Join(parts, "; "))
	}
	return "schema mismatch: " + strings.Join(parts, "; ")
}

// ModelNotLoadedError reports that a requested model version is not resident.
// Fatal to the request, recoverable for the process: retry after a reload.
type ModelNotLoadedError struct {
	Version string
}

func (e *ModelNotLoadedError) Error() string {
	if e.Version == "" {
		return "no model loaded"
	}
	return fmt.Sprintf("model version %s is not loaded", e.Version)
}

// AttributionError reports an attribution vector that failed the completeness
// check: the contributions do not sum to score minus baseline within
// tolerance. The explanation must not be emitted.
type AttributionError struct {
	Method    string
	Sum       float64
	Want      float64
	Tolerance float64
}

func (e *AttributionError) Error() string {
	return fmt.Sprintf(
		"attribution inconsistency (%s): contributions sum to %.6f, want %.6f (tolerance %.1e)",
		e.Method, e.Sum, e.Want, e.Tolerance,
	)
}
