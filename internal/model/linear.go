package model

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

// LinearBasis carries everything the attribution engine needs to assign
// exact per-feature credit for a logistic regression score.
type LinearBasis struct {
	FeatureNames   []string
	Weights        map[string]float64
	Values         map[string]float64
	BaselineValues map[string]float64
	Margin         float64
	BaselineMargin float64
	Score          float64
	BaselineScore  float64
}

// BasisKind implements domain.DecisionBasis.
func (b *LinearBasis) BasisKind() string { return KindLinear }

type linearModel struct {
	version   string
	schema    features.Schema
	names     []string
	intercept float64
	weights   map[string]float64
	reference map[string]float64
	baseline  float64
}

func newLinearModel(a *Artifact) *linearModel {
	reference := make(map[string]float64, len(a.Features))
	for _, spec := range a.Features {
		reference[spec.Name] = a.Baseline[spec.Name]
	}

	m := &linearModel{
		version:   a.Version,
		schema:    a.Features,
		names:     a.Features.Names(),
		intercept: a.Intercept,
		weights:   a.Coefficients,
		reference: reference,
	}
	m.baseline = sigmoid(m.margin(reference))
	return m
}

func (m *linearModel) Version() string         { return m.version }
func (m *linearModel) Kind() string            { return KindLinear }
func (m *linearModel) Schema() features.Schema { return m.schema }
func (m *linearModel) Baseline() float64       { return m.baseline }

func (m *linearModel) Score(vector *domain.FeatureVector) (*domain.ScoreResult, error) {
	values, err := checkSchema(m.version, vector, m.names)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]float64, len(m.names))
	for i, name := range m.names {
		byName[name] = values[i]
	}

	margin := m.margin(byName)
	baselineMargin := m.margin(m.reference)
	score := sigmoid(margin)

	basis := &LinearBasis{
		FeatureNames:   m.names,
		Weights:        m.weights,
		Values:         byName,
		BaselineValues: m.reference,
		Margin:         margin,
		BaselineMargin: baselineMargin,
		Score:          score,
		BaselineScore:  m.baseline,
	}

	return &domain.ScoreResult{
		Score:        score,
		ModelVersion: m.version,
		Baseline:     m.baseline,
		Basis:        basis,
	}, nil
}

func (m *linearModel) margin(values map[string]float64) float64 {
	margin := m.intercept
	for name, w := range m.weights {
		margin += w * values[name]
	}
	return margin
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
