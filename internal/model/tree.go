package model

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

// PathStep records one split taken while routing a vector through a tree.
// NodeValue is the expected value before the split, ChildValue after it;
// the difference is the credit the split feature earned.
type PathStep struct {
	Feature    string
	NodeValue  float64
	ChildValue float64
}

// TreeBasis carries the decision paths for one scored vector. The path
// differences telescope: Base + RootSum + sum of all step deltas equals
// the final score exactly.
type TreeBasis struct {
	Base    float64
	RootSum float64
	LeafSum float64
	Steps   []PathStep
}

// BasisKind implements domain.DecisionBasis.
func (b *TreeBasis) BasisKind() string { return "tree_path" }

type treeModel struct {
	version  string
	schema   features.Schema
	names    []string
	base     float64
	trees    []Tree
	baseline float64
}

func newTreeModel(a *Artifact) *treeModel {
	baseline := a.Base
	for _, tree := range a.Trees {
		baseline += tree.Nodes[0].Value
	}
	return &treeModel{
		version:  a.Version,
		schema:   a.Features,
		names:    a.Features.Names(),
		base:     a.Base,
		trees:    a.Trees,
		baseline: baseline,
	}
}

func (m *treeModel) Version() string         { return m.version }
func (m *treeModel) Kind() string            { return KindTreeEnsemble }
func (m *treeModel) Schema() features.Schema { return m.schema }
func (m *treeModel) Baseline() float64       { return m.baseline }

func (m *treeModel) Score(vector *domain.FeatureVector) (*domain.ScoreResult, error) {
	values, err := checkSchema(m.version, vector, m.names)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]float64, len(m.names))
	for i, name := range m.names {
		byName[name] = values[i]
	}

	basis := &TreeBasis{Base: m.base}
	score := m.base

	for ti := range m.trees {
		leaf, steps, err := m.walk(ti, byName)
		if err != nil {
			return nil, err
		}
		basis.RootSum += m.trees[ti].Nodes[0].Value
		basis.LeafSum += leaf
		basis.Steps = append(basis.Steps, steps...)
		score += leaf
	}

	return &domain.ScoreResult{
		Score:        score,
		ModelVersion: m.version,
		Baseline:     m.baseline,
		Basis:        basis,
	}, nil
}

// walk routes the vector from root to leaf, recording a step per split.
func (m *treeModel) walk(ti int, values map[string]float64) (float64, []PathStep, error) {
	nodes := m.trees[ti].Nodes
	var steps []PathStep

	idx := 0
	for hops := 0; ; hops++ {
		// Bounded by node count; a cycle here means a corrupt artifact
		if hops > len(nodes) {
			return 0, nil, fmt.Errorf("model %s: tree %d path exceeds node count", m.version, ti)
		}

		node := nodes[idx]
		if node.Leaf {
			return node.Value, steps, nil
		}

		next := node.Left
		if values[node.Feature] > node.Threshold {
			next = node.Right
		}

		steps = append(steps, PathStep{
			Feature:    node.Feature,
			NodeValue:  node.Value,
			ChildValue: nodes[next].Value,
		})
		idx = next
	}
}
