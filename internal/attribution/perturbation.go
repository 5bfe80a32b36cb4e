package attribution

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// explainPerturbation approximates per-feature credit for an opaque model
// by re-scoring feature coalitions against a neutral reference input and
// fitting a kernel-weighted additive surrogate.
//
// The fit embeds the completeness constraint directly, so the contributions
// sum to score minus baseline by construction. Coalition selection is
// seeded from the transaction ID: the same transaction always yields the
// same explanation.
func (e *Engine) explainPerturbation(txID string, result *domain.ScoreResult, vector *domain.FeatureVector, scorer ScoreFunc) (*domain.AttributionVector, error) {
	if scorer == nil {
		return nil, fmt.Errorf("perturbation attribution requires a scorer")
	}

	names := vector.Names()
	n := len(names)
	if n == 0 {
		return nil, fmt.Errorf("perturbation attribution requires a non-empty vector")
	}

	reference := domain.NewFeatureVector(names)
	for _, name := range names {
		reference.Set(name, 0)
	}

	baseline, err := scorer(reference)
	if err != nil {
		return nil, fmt.Errorf("failed to score reference input: %w", err)
	}

	total := result.Score - baseline

	contributions := make(map[string]float64, n)

	if n == 1 {
		contributions[names[0]] = total
		return e.finalize(MethodPerturbation, baseline, result.Score, contributions)
	}

	masks := e.coalitions(txID, n)

	// Fit phi with sum(phi) = total built in by eliminating the last
	// feature: phi_n = total - sum(phi_i, i<n).
	dim := n - 1
	ata := make([][]float64, dim)
	for i := range ata {
		ata[i] = make([]float64, dim)
	}
	atb := make([]float64, dim)

	coalition := domain.NewFeatureVector(names)
	for _, mask := range masks {
		size := popcount(mask)
		weight := kernelWeight(n, size)

		for i, name := range names {
			if mask&(1<<uint(i)) != 0 {
				val, _ := vector.Get(name)
				coalition.Set(name, val)
			} else {
				coalition.Set(name, 0)
			}
		}

		value, err := scorer(coalition)
		if err != nil {
			return nil, fmt.Errorf("failed to score coalition: %w", err)
		}

		zn := 0.0
		if mask&(1<<uint(n-1)) != 0 {
			zn = 1.0
		}

		row := make([]float64, dim)
		for i := 0; i < dim; i++ {
			zi := 0.0
			if mask&(1<<uint(i)) != 0 {
				zi = 1.0
			}
			row[i] = zi - zn
		}
		y := value - baseline - zn*total

		for i := 0; i < dim; i++ {
			if row[i] == 0 {
				continue
			}
			atb[i] += weight * row[i] * y
			for j := 0; j < dim; j++ {
				ata[i][j] += weight * row[i] * row[j]
			}
		}
	}

	phi, err := solve(ata, atb)
	if err != nil {
		return nil, fmt.Errorf("perturbation fit failed: %w", err)
	}

	last := total
	for i := 0; i < dim; i++ {
		contributions[names[i]] = phi[i]
		last -= phi[i]
	}
	contributions[names[n-1]] = last

	return e.finalize(MethodPerturbation, baseline, result.Score, contributions)
}

// coalitions returns the masks to evaluate: exhaustive when feasible,
// otherwise a seeded sample. Empty and full coalitions are excluded;
// the constraint already pins them.
func (e *Engine) coalitions(txID string, n int) []uint64 {
	full := uint64(1)<<uint(n) - 1

	if n <= 12 {
		masks := make([]uint64, 0, full-1)
		for mask := uint64(1); mask < full; mask++ {
			masks = append(masks, mask)
		}
		return masks
	}

	h := fnv.New64a()
	h.Write([]byte(txID))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	seen := make(map[uint64]struct{}, e.samples)
	masks := make([]uint64, 0, e.samples)
	for len(masks) < e.samples {
		mask := rng.Uint64() & full
		if mask == 0 || mask == full {
			continue
		}
		if _, dup := seen[mask]; dup {
			continue
		}
		seen[mask] = struct{}{}
		masks = append(masks, mask)
	}
	return masks
}

// kernelWeight is the Shapley kernel for a coalition of the given size.
func kernelWeight(n, size int) float64 {
	if size == 0 || size == n {
		return 0
	}
	return float64(n-1) / (binomial(n, size) * float64(size*(n-size)))
}

func binomial(n, k int) float64 {
	if k > n-k {
		k = n - k
	}
	out := 1.0
	for i := 0; i < k; i++ {
		out = out * float64(n-i) / float64(i+1)
	}
	return out
}

func popcount(mask uint64) int {
	count := 0
	for mask != 0 {
		mask &= mask - 1
		count++
	}
	return count
}

// solve performs Gaussian elimination with partial pivoting on a copy of
// the inputs.
func solve(a [][]float64, b []float64) ([]float64, error) {
	n := len(b)
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n+1)
		copy(m[i], a[i])
		m[i][n] = b[i]
	}

	for col := 0; col < n; col++ {
		pivot := col
		for row := col + 1; row < n; row++ {
			if math.Abs(m[row][col]) > math.Abs(m[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(m[pivot][col]) < 1e-12 {
			return nil, fmt.Errorf("singular system at column %d", col)
		}
		m[col], m[pivot] = m[pivot], m[col]

		for row := col + 1; row < n; row++ {
			factor := m[row][col] / m[col][col]
			for k := col; k <= n; k++ {
				m[row][k] -= factor * m[col][k]
			}
		}
	}

	x := make([]float64, n)
	for row := n - 1; row >= 0; row-- {
		sum := m[row][n]
		for k := row + 1; k < n; k++ {
			sum -= m[row][k] * x[k]
		}
		x[row] = sum / m[row][row]
	}
	return x, nil
}
