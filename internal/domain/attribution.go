package domain

// AttributionEntry is the signed credit assigned to a single feature for its
// effect on the score relative to the baseline.
type AttributionEntry struct {
	FeatureName  string  `json:"featureName"`
	Contribution float64 `json:"contribution"`
	Rank         int     `json:"rank"`
}

// AttributionVector is the full, ranked attribution for one score: entries
// sorted by |contribution| descending, ties broken by feature name ascending.
type AttributionVector struct {
	Method   string             `json:"method"`
	Baseline float64            `json:"baseline"`
	Entries  []AttributionEntry `json:"entries"`
}

// Sum returns the total of all contributions.
func (v *AttributionVector) Sum() float64 {
	var total float64
	for _, e := range v.Entries {
		total += e.Contribution
	}
	return total
}

// TopK returns the k highest-ranked entries without re-sorting. Truncation
// happens strictly after full ranking, so the first k are always exact.
func (v *AttributionVector) TopK(k int) []AttributionEntry {
	if k <= 0 || k >= len(v.Entries) {
		out := make([]AttributionEntry, len(v.Entries))
		copy(out, v.Entries)
		return out
	}
	out := make([]AttributionEntry, k)
	copy(out, v.Entries[:k])
	return out
}
