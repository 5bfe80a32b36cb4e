package domain

import (
	"sort"
)

// FeatureVector is an ordered mapping from feature name to numeric value,
// built once per transaction. The order is fixed by the model's feature
// schema; categorical inputs are encoded to numeric values by the builder.
type FeatureVector struct {
	names  []string
	values map[string]float64
}

// NewFeatureVector creates an empty vector with the given feature order.
func NewFeatureVector(names []string) *FeatureVector {
	n := make([]string, len(names))
	copy(n, names)
	return &FeatureVector{
		names:  n,
		values: make(map[string]float64, len(names)),
	}
}

// Set assigns a value to a feature. Unknown names are stored as well; the
// scoring engine rejects them during its strict schema check.
func (v *FeatureVector) Set(name string, value float64) {
	if _, ok := v.values[name]; !ok {
		found := false
		for _, n := range v.names {
			if n == name {
				found = true
				break
			}
		}
		if !found {
			v.names = append(v.names, name)
		}
	}
	v.values[name] = value
}

// Get returns a feature value and whether it is present.
func (v *FeatureVector) Get(name string) (float64, bool) {
	val, ok := v.values[name]
	return val, ok
}

// Names returns the feature names in vector order.
func (v *FeatureVector) Names() []string {
	out := make([]string, len(v.names))
	copy(out, v.names)
	return out
}

// Len returns the number of features present.
func (v *FeatureVector) Len() int {
	return len(v.values)
}

// Values returns the values ordered by the given schema. It reports the
// missing feature names if the vector does not cover the schema.
func (v *FeatureVector) Values(schema []string) ([]float64, []string) {
	out := make([]float64, 0, len(schema))
	var missing []string
	for _, name := range schema {
		val, ok := v.values[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		out = append(out, val)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, missing
	}
	return out, nil
}

// Extras returns the names present in the vector but absent from the schema,
// sorted for deterministic error reporting.
func (v *FeatureVector) Extras(schema []string) []string {
	expected := make(map[string]struct{}, len(schema))
	for _, name := range schema {
		expected[name] = struct{}{}
	}
	var extras []string
	for name := range v.values {
		if _, ok := expected[name]; !ok {
			extras = append(extras, name)
		}
	}
	sort.Strings(extras)
	return extras
}

// Clone returns a deep copy of the vector.
func (v *FeatureVector) Clone() *FeatureVector {
	out := NewFeatureVector(v.names)
	for k, val := range v.values {
		out.values[k] = val
	}
	return out
}
