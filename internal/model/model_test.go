package model

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

// testTreeArtifact builds a two-tree ensemble: one split on amount,
// one on new_device. Scores range from 0.04 to 0.91.
func testTreeArtifact() *Artifact {
	return &Artifact{
		Version: "v1",
		Kind:    KindTreeEnsemble,
		Features: features.Schema{
			{Name: "amount", Source: features.SourceTransaction, Field: "amount"},
			{Name: "new_device", Source: features.SourceExpr, Expr: "known_device ? 0.0 : 1.0"},
		},
		Base: 0.0,
		Trees: []Tree{
			{Nodes: []TreeNode{
				{Feature: "amount", Threshold: 1000, Left: 1, Right: 2, Value: 0.05},
				{Leaf: true, Value: 0.02},
				{Leaf: true, Value: 0.45},
			}},
			{Nodes: []TreeNode{
				{Feature: "new_device", Threshold: 0.5, Left: 1, Right: 2, Value: 0.05},
				{Leaf: true, Value: 0.02},
				{Leaf: true, Value: 0.46},
			}},
		},
	}
}

func testLinearArtifact() *Artifact {
	return &Artifact{
		Version: "v2",
		Kind:    KindLinear,
		Features: features.Schema{
			{Name: "amount_over_avg", Source: features.SourceExpr, Expr: "1.0"},
			{Name: "tx_count_1h", Source: features.SourceHistory, Field: "tx_count_1h"},
		},
		Intercept: -2.0,
		Coefficients: map[string]float64{
			"amount_over_avg": 0.8,
			"tx_count_1h":     0.3,
		},
		Baseline: map[string]float64{
			"amount_over_avg": 1.0,
			"tx_count_1h":     1.0,
		},
	}
}

func vectorOf(t *testing.T, pairs map[string]float64) *domain.FeatureVector {
	t.Helper()
	names := make([]string, 0, len(pairs))
	for name := range pairs {
		names = append(names, name)
	}
	v := domain.NewFeatureVector(names)
	for name, val := range pairs {
		v.Set(name, val)
	}
	return v
}

func TestArtifactValidation(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		if err := testTreeArtifact().Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if err := testLinearArtifact().Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	cases := []struct {
		name   string
		mutate func(*Artifact)
	}{
		{"MissingVersion", func(a *Artifact) { a.Version = "" }},
		{"UnknownKind", func(a *Artifact) { a.Kind = "neural" }},
		{"NoFeatures", func(a *Artifact) { a.Features = nil }},
		{"DuplicateFeature", func(a *Artifact) { a.Features = append(a.Features, a.Features[0]) }},
		{"UnknownSplitFeature", func(a *Artifact) { a.Trees[0].Nodes[0].Feature = "ghost" }},
		{"ChildOutOfRange", func(a *Artifact) { a.Trees[0].Nodes[0].Right = 99 }},
		{"SelfReference", func(a *Artifact) { a.Trees[0].Nodes[0].Left = 0 }},
		{"ScoreAboveOne", func(a *Artifact) { a.Trees[0].Nodes[2].Value = 0.9 }},
		{"ScoreBelowZero", func(a *Artifact) { a.Base = -0.1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := testTreeArtifact()
			tc.mutate(a)
			if err := a.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	t.Run("LinearUnknownCoefficient", func(t *testing.T) {
		a := testLinearArtifact()
		a.Coefficients["ghost"] = 1.0
		if err := a.Validate(); err == nil {
			t.Error("expected validation error")
		}
	})

	t.Run("LinearNonFiniteCoefficient", func(t *testing.T) {
		a := testLinearArtifact()
		a.Coefficients["tx_count_1h"] = math.NaN()
		if err := a.Validate(); err == nil {
			t.Error("expected validation error")
		}
	})
}

func TestParseArtifact(t *testing.T) {
	data, err := json.Marshal(testTreeArtifact())
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	a, err := ParseArtifact(data)
	if err != nil {
		t.Fatalf("ParseArtifact failed: %v", err)
	}
	if a.Version != "v1" || len(a.Trees) != 2 {
		t.Errorf("artifact round-trip mismatch: %+v", a)
	}

	if _, err := ParseArtifact([]byte("{not json")); err == nil {
		t.Error("expected decode error")
	}
}

func TestTreeModelScore(t *testing.T) {
	m, err := FromArtifact(testTreeArtifact())
	if err != nil {
		t.Fatalf("FromArtifact failed: %v", err)
	}

	t.Run("HighRiskPath", func(t *testing.T) {
		result, err := m.Score(vectorOf(t, map[string]float64{
			"amount": 1250, "new_device": 1,
		}))
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		if math.Abs(result.Score-0.91) > 1e-9 {
			t.Errorf("expected score 0.91, got %v", result.Score)
		}
		if math.Abs(result.Baseline-0.10) > 1e-9 {
			t.Errorf("expected baseline 0.10, got %v", result.Baseline)
		}

		basis, ok := result.Basis.(*TreeBasis)
		if !ok {
			t.Fatalf("expected TreeBasis, got %T", result.Basis)
		}
		// Path deltas telescope from root sum to leaf sum
		var delta float64
		for _, step := range basis.Steps {
			delta += step.ChildValue - step.NodeValue
		}
		if math.Abs(basis.RootSum+delta-basis.LeafSum) > 1e-12 {
			t.Errorf("path deltas do not telescope: root %v + delta %v != leaf %v",
				basis.RootSum, delta, basis.LeafSum)
		}
	})

	t.Run("LowRiskPath", func(t *testing.T) {
		result, err := m.Score(vectorOf(t, map[string]float64{
			"amount": 50, "new_device": 0,
		}))
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		if math.Abs(result.Score-0.04) > 1e-9 {
			t.Errorf("expected score 0.04, got %v", result.Score)
		}
	})

	t.Run("ThresholdBoundaryRoutesLeft", func(t *testing.T) {
		result, err := m.Score(vectorOf(t, map[string]float64{
			"amount": 1000, "new_device": 0,
		}))
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		if math.Abs(result.Score-0.04) > 1e-9 {
			t.Errorf("value equal to threshold should route left, got score %v", result.Score)
		}
	})
}

func TestLinearModelScore(t *testing.T) {
	m, err := FromArtifact(testLinearArtifact())
	if err != nil {
		t.Fatalf("FromArtifact failed: %v", err)
	}

	result, err := m.Score(vectorOf(t, map[string]float64{
		"amount_over_avg": 5.0, "tx_count_1h": 3,
	}))
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	// margin = -2.0 + 0.8*5.0 + 0.3*3 = 2.9
	wantScore := 1.0 / (1.0 + math.Exp(-2.9))
	if math.Abs(result.Score-wantScore) > 1e-12 {
		t.Errorf("expected score %v, got %v", wantScore, result.Score)
	}

	// baseline margin = -2.0 + 0.8 + 0.3 = -0.9
	wantBaseline := 1.0 / (1.0 + math.Exp(0.9))
	if math.Abs(result.Baseline-wantBaseline) > 1e-12 {
		t.Errorf("expected baseline %v, got %v", wantBaseline, result.Baseline)
	}

	basis, ok := result.Basis.(*LinearBasis)
	if !ok {
		t.Fatalf("expected LinearBasis, got %T", result.Basis)
	}
	if math.Abs(basis.Margin-2.9) > 1e-12 {
		t.Errorf("expected margin 2.9, got %v", basis.Margin)
	}
}

func TestStrictSchemaCheck(t *testing.T) {
	m, err := FromArtifact(testTreeArtifact())
	if err != nil {
		t.Fatalf("FromArtifact failed: %v", err)
	}

	t.Run("MissingFeature", func(t *testing.T) {
		_, err := m.Score(vectorOf(t, map[string]float64{"amount": 100}))
		var schemaErr *domain.SchemaError
		if !errors.As(err, &schemaErr) {
			t.Fatalf("expected SchemaError, got %v", err)
		}
		if len(schemaErr.Missing) != 1 || schemaErr.Missing[0] != "new_device" {
			t.Errorf("expected missing [new_device], got %v", schemaErr.Missing)
		}
		if schemaErr.ModelVersion != "v1" {
			t.Errorf("expected model version v1, got %s", schemaErr.ModelVersion)
		}
	})

	t.Run("ExtraFeature", func(t *testing.T) {
		_, err := m.Score(vectorOf(t, map[string]float64{
			"amount": 100, "new_device": 0, "stray": 1,
		}))
		var schemaErr *domain.SchemaError
		if !errors.As(err, &schemaErr) {
			t.Fatalf("expected SchemaError, got %v", err)
		}
		if len(schemaErr.Extra) != 1 || schemaErr.Extra[0] != "stray" {
			t.Errorf("expected extra [stray], got %v", schemaErr.Extra)
		}
	})
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	t.Run("EmptyRegistry", func(t *testing.T) {
		_, err := reg.Current()
		var notLoaded *domain.ModelNotLoadedError
		if !errors.As(err, &notLoaded) {
			t.Fatalf("expected ModelNotLoadedError, got %v", err)
		}
	})

	treeData, _ := json.Marshal(testTreeArtifact())
	linearData, _ := json.Marshal(testLinearArtifact())

	t.Run("FirstLoadBecomesCurrent", func(t *testing.T) {
		if _, err := reg.Load(treeData); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if got := reg.CurrentVersion(); got != "v1" {
			t.Errorf("expected current v1, got %s", got)
		}
	})

	t.Run("SecondLoadKeepsCurrent", func(t *testing.T) {
		if _, err := reg.Load(linearData); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if got := reg.CurrentVersion(); got != "v1" {
			t.Errorf("expected current v1, got %s", got)
		}
		if got := reg.Versions(); len(got) != 2 || got[0] != "v1" || got[1] != "v2" {
			t.Errorf("expected versions [v1 v2], got %v", got)
		}
	})

	t.Run("GetByVersion", func(t *testing.T) {
		m, err := reg.Get("v2")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if m.Kind() != KindLinear {
			t.Errorf("expected linear model, got %s", m.Kind())
		}
	})

	t.Run("GetUnknownVersion", func(t *testing.T) {
		_, err := reg.Get("v999")
		var notLoaded *domain.ModelNotLoadedError
		if !errors.As(err, &notLoaded) {
			t.Fatalf("expected ModelNotLoadedError, got %v", err)
		}
		if notLoaded.Version != "v999" {
			t.Errorf("expected version v999 in error, got %s", notLoaded.Version)
		}
	})

	t.Run("SetCurrent", func(t *testing.T) {
		if err := reg.SetCurrent("v2"); err != nil {
			t.Fatalf("SetCurrent failed: %v", err)
		}
		m, err := reg.Current()
		if err != nil {
			t.Fatalf("Current failed: %v", err)
		}
		if m.Version() != "v2" {
			t.Errorf("expected current v2, got %s", m.Version())
		}

		if err := reg.SetCurrent("v999"); err == nil {
			t.Error("expected error promoting unknown version")
		}
	})

	t.Run("RejectsInvalidArtifact", func(t *testing.T) {
		if _, err := reg.Load([]byte(`{"version":"bad","kind":"neural"}`)); err == nil {
			t.Error("expected load error for invalid artifact")
		}
		if reg.Len() != 2 {
			t.Errorf("failed load must not change registry, got %d models", reg.Len())
		}
	})
}
