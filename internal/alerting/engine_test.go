package alerting

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testEngine(window time.Duration) (*Engine, *time.Time) {
	cfg := domain.PipelineConfig{
		Thresholds:        map[string]float64{"v1": 0.8},
		DefaultThreshold:  0.7,
		SuppressionWindow: window,
		DedupKeyFields:    []string{"user_id", "merchant"},
	}
	engine := NewEngine(cfg)

	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }
	return engine, &now
}

func decide(t *testing.T, e *Engine, userID string, score float64) *domain.AlertDecision {
	t.Helper()
	tx := &domain.Transaction{ID: "tx-" + userID, UserID: userID, Merchant: "shop"}
	result := &domain.ScoreResult{TransactionID: tx.ID, Score: score, ModelVersion: "v1"}
	decision, err := e.Decide(tx, result)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	return decision
}

func TestAlertLifecycle(t *testing.T) {
	engine, now := testEngine(60 * time.Second)

	t.Run("FirstExceedanceRaises", func(t *testing.T) {
		d := decide(t, engine, "user-001", 0.91)
		if !d.Raised {
			t.Error("expected alert raised")
		}
		if d.ReasonCode != domain.ReasonThresholdExceeded {
			t.Errorf("expected %s, got %s", domain.ReasonThresholdExceeded, d.ReasonCode)
		}
		if d.State != domain.StateActive {
			t.Errorf("expected ACTIVE, got %s", d.State)
		}
		if d.ThresholdUsed != 0.8 {
			t.Errorf("expected threshold 0.8, got %v", d.ThresholdUsed)
		}
		if d.DedupKey != "user-001|shop" {
			t.Errorf("unexpected dedup key %s", d.DedupKey)
		}
	})

	t.Run("DuplicateWithinWindowSuppressed", func(t *testing.T) {
		*now = now.Add(time.Second)
		d := decide(t, engine, "user-001", 0.95)
		if d.Raised {
			t.Error("expected suppression")
		}
		if d.ReasonCode != domain.ReasonSuppressedDuplicate {
			t.Errorf("expected %s, got %s", domain.ReasonSuppressedDuplicate, d.ReasonCode)
		}
		if d.State != domain.StateSuppressed {
			t.Errorf("expected SUPPRESSED, got %s", d.State)
		}
	})

	t.Run("ReRaisesAfterWindow", func(t *testing.T) {
		*now = now.Add(61 * time.Second)
		d := decide(t, engine, "user-001", 0.85)
		if !d.Raised {
			t.Error("expected re-raise after window lapsed")
		}
		if d.ReasonCode != domain.ReasonThresholdExceeded {
			t.Errorf("expected %s, got %s", domain.ReasonThresholdExceeded, d.ReasonCode)
		}
	})
}

func TestBelowThreshold(t *testing.T) {
	engine, _ := testEngine(60 * time.Second)

	d := decide(t, engine, "user-002", 0.5)
	if d.Raised {
		t.Error("expected no alert below threshold")
	}
	if d.ReasonCode != domain.ReasonBelowThreshold {
		t.Errorf("expected %s, got %s", domain.ReasonBelowThreshold, d.ReasonCode)
	}
	if d.State != domain.StateQuiet {
		t.Errorf("expected QUIET, got %s", d.State)
	}

	// A below-threshold score must not open or extend a window
	d = decide(t, engine, "user-002", 0.91)
	if !d.Raised {
		t.Error("expected alert after below-threshold score")
	}
}

func TestScoreAtThresholdRaises(t *testing.T) {
	engine, _ := testEngine(60 * time.Second)
	d := decide(t, engine, "user-003", 0.8)
	if !d.Raised {
		t.Error("score equal to threshold must raise")
	}
}

func TestDefaultThreshold(t *testing.T) {
	engine, _ := testEngine(60 * time.Second)

	tx := &domain.Transaction{ID: "tx-x", UserID: "user-004", Merchant: "shop"}
	result := &domain.ScoreResult{TransactionID: tx.ID, Score: 0.75, ModelVersion: "v9"}
	d, err := engine.Decide(tx, result)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if !d.Raised {
		t.Error("expected raise at default threshold 0.7 for unlisted model")
	}
	if d.ThresholdUsed != 0.7 {
		t.Errorf("expected default threshold 0.7, got %v", d.ThresholdUsed)
	}
}

func TestKeyIndependence(t *testing.T) {
	engine, now := testEngine(60 * time.Second)

	first := decide(t, engine, "user-a", 0.9)
	if !first.Raised {
		t.Fatal("expected alert for user-a")
	}

	*now = now.Add(time.Second)
	second := decide(t, engine, "user-b", 0.9)
	if !second.Raised {
		t.Error("suppression of user-a must not affect user-b")
	}
}

func TestNonFiniteScoreRejected(t *testing.T) {
	engine, _ := testEngine(60 * time.Second)
	tx := &domain.Transaction{ID: "tx-nan", UserID: "user-005", Merchant: "shop"}

	for _, score := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		result := &domain.ScoreResult{TransactionID: tx.ID, Score: score, ModelVersion: "v1"}
		if _, err := engine.Decide(tx, result); err == nil {
			t.Errorf("expected error for score %v", score)
		}
	}
}

func TestSweep(t *testing.T) {
	engine, now := testEngine(60 * time.Second)

	decide(t, engine, "user-006", 0.9)
	decide(t, engine, "user-007", 0.9)
	if engine.TrackedKeys() != 2 {
		t.Fatalf("expected 2 tracked keys, got %d", engine.TrackedKeys())
	}

	// Within the window nothing is removable
	if removed := engine.Sweep(); removed != 0 {
		t.Errorf("expected 0 removed, got %d", removed)
	}

	*now = now.Add(2 * time.Minute)
	if removed := engine.Sweep(); removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if engine.TrackedKeys() != 0 {
		t.Errorf("expected 0 tracked keys, got %d", engine.TrackedKeys())
	}
}

func TestConcurrentDecisions(t *testing.T) {
	engine, _ := testEngine(60 * time.Second)

	const workers = 32
	raised := make([]bool, workers)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			tx := &domain.Transaction{ID: "tx-c", UserID: "user-race", Merchant: "shop"}
			result := &domain.ScoreResult{TransactionID: tx.ID, Score: 0.9, ModelVersion: "v1"}
			d, err := engine.Decide(tx, result)
			if err == nil {
				raised[idx] = d.Raised
			}
		}(i)
	}
	wg.Wait()

	count := 0
	for _, r := range raised {
		if r {
			count++
		}
	}
	if count != 1 {
		t.Errorf("exactly one concurrent decision should raise, got %d", count)
	}
}

func TestConcurrentMixedScoresOneKey(t *testing.T) {
	engine, _ := testEngine(60 * time.Second)

	// Open the window so high scores suppress and mutate key state while
	// low scores read it back concurrently.
	first := decide(t, engine, "user-mixed", 0.9)
	if !first.Raised {
		t.Fatal("expected first alert to raise")
	}

	const workers = 200
	var wg sync.WaitGroup
	states := make([]domain.AlertState, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			score := 0.9
			if idx%2 == 0 {
				score = 0.1
			}
			tx := &domain.Transaction{ID: "tx-m", UserID: "user-mixed", Merchant: "shop"}
			result := &domain.ScoreResult{TransactionID: tx.ID, Score: score, ModelVersion: "v1"}
			d, err := engine.Decide(tx, result)
			if err != nil {
				t.Errorf("Decide failed: %v", err)
				return
			}
			states[idx] = d.State
		}(i)
	}
	wg.Wait()

	// Every high score lands inside the open window and is suppressed.
	// Low scores observe the open window: ACTIVE until the first
	// suppression, SUPPRESSED after, never QUIET.
	for i, state := range states {
		if i%2 == 0 {
			if state == domain.StateQuiet {
				t.Errorf("worker %d: below-threshold read saw QUIET inside an open window", i)
			}
			continue
		}
		if state != domain.StateSuppressed {
			t.Errorf("worker %d: expected SUPPRESSED, got %s", i, state)
		}
	}
}
