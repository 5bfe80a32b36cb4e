// Package model loads scoring model artifacts and serves versioned,
// immutable model snapshots to the pipeline.
package model

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/features"
)

// Model kinds.
const (
	KindLinear       = "linear"
	KindTreeEnsemble = "tree_ensemble"
)

// Artifact is the JSON on-disk and in-database representation of a trained
// model. Training happens offline; the artifact carries everything the
// serving side needs, including the feature schema.
type Artifact struct {
	Version  string          `json:"version"`
	Kind     string          `json:"kind"`
	Features features.Schema `json:"features"`

	// Linear model parameters. Baseline holds the reference feature values
	// (training means) the attribution is measured against.
	Intercept    float64            `json:"intercept,omitempty"`
	Coefficients map[string]float64 `json:"coefficients,omitempty"`
	Baseline     map[string]float64 `json:"baseline,omitempty"`

	// Tree ensemble parameters.
	Base  float64 `json:"base,omitempty"`
	Trees []Tree  `json:"trees,omitempty"`
}

// Tree is one regression tree stored as a flat node array. Index 0 is the
// root. Every node carries the expected value of its subtree so inner nodes
// can serve as attribution reference points.
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// TreeNode is a split or a leaf. Split nodes route left when
// feature value <= threshold.
type TreeNode struct {
	Feature   string  `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
	Value     float64 `json:"value"`
	Leaf      bool    `json:"leaf,omitempty"`
}

// ParseArtifact decodes and validates a model artifact.
func ParseArtifact(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode model artifact: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Validate checks the artifact for structural problems that would otherwise
// surface as bad scores at request time.
func (a *Artifact) Validate() error {
	if a.Version == "" {
		return fmt.Errorf("model artifact: version is required")
	}
	if len(a.Features) == 0 {
		return fmt.Errorf("model %s: feature schema is required", a.Version)
	}

	names := make(map[string]struct{}, len(a.Features))
	for _, spec := range a.Features {
		if spec.Name == "" {
			return fmt.Errorf("model %s: feature with empty name", a.Version)
		}
		if _, dup := names[spec.Name]; dup {
			return fmt.Errorf("model %s: duplicate feature %s", a.Version, spec.Name)
		}
		names[spec.Name] = struct{}{}
	}

	switch a.Kind {
	case KindLinear:
		return a.validateLinear(names)
	case KindTreeEnsemble:
		return a.validateTrees(names)
	default:
		return fmt.Errorf("model %s: unknown kind %q", a.Version, a.Kind)
	}
}

func (a *Artifact) validateLinear(names map[string]struct{}) error {
	if len(a.Coefficients) == 0 {
		return fmt.Errorf("model %s: linear model has no coefficients", a.Version)
	}
	for name, coef := range a.Coefficients {
		if _, ok := names[name]; !ok {
			return fmt.Errorf("model %s: coefficient for unknown feature %s", a.Version, name)
		}
		if math.IsNaN(coef) || math.IsInf(coef, 0) {
			return fmt.Errorf("model %s: coefficient for %s is not finite", a.Version, name)
		}
	}
	for name := range a.Baseline {
		if _, ok := names[name]; !ok {
			return fmt.Errorf("model %s: baseline for unknown feature %s", a.Version, name)
		}
	}
	return nil
}

// validateTrees additionally checks that every attainable ensemble sum stays
// inside [0, 1], so raw tree output can be served as a probability without
// clamping. Clamping would break exact per-feature credit assignment.
func (a *Artifact) validateTrees(names map[string]struct{}) error {
	if len(a.Trees) == 0 {
		return fmt.Errorf("model %s: tree ensemble has no trees", a.Version)
	}

	minSum, maxSum := a.Base, a.Base
	for ti, tree := range a.Trees {
		if len(tree.Nodes) == 0 {
			return fmt.Errorf("model %s: tree %d is empty", a.Version, ti)
		}
		lo, hi := math.Inf(1), math.Inf(-1)
		for ni, node := range tree.Nodes {
			if math.IsNaN(node.Value) || math.IsInf(node.Value, 0) {
				return fmt.Errorf("model %s: tree %d node %d value is not finite", a.Version, ti, ni)
			}
			if node.Leaf {
				if node.Value < lo {
					lo = node.Value
				}
				if node.Value > hi {
					hi = node.Value
				}
				continue
			}
			if _, ok := names[node.Feature]; !ok {
				return fmt.Errorf("model %s: tree %d node %d splits on unknown feature %q", a.Version, ti, ni, node.Feature)
			}
			if node.Left < 0 || node.Left >= len(tree.Nodes) || node.Right < 0 || node.Right >= len(tree.Nodes) {
				return fmt.Errorf("model %s: tree %d node %d has out-of-range children", a.Version, ti, ni)
			}
			if node.Left == ni || node.Right == ni {
				return fmt.Errorf("model %s: tree %d node %d references itself", a.Version, ti, ni)
			}
		}
		if math.IsInf(lo, 1) {
			return fmt.Errorf("model %s: tree %d has no leaves", a.Version, ti)
		}
		minSum += lo
		maxSum += hi
	}

	if minSum < 0 || maxSum > 1 {
		return fmt.Errorf(
			"model %s: attainable score range [%.6f, %.6f] exceeds [0, 1]",
			a.Version, minSum, maxSum,
		)
	}

	return nil
}
