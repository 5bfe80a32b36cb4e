// Package alerting decides whether a scored transaction raises an alert,
// with per-key suppression to keep duplicate alerts from flooding analysts.
package alerting

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/syncutil"
)

// keyState tracks the last raised alert for one dedup key.
type keyState struct {
	lastRaised time.Time
	suppressed int64
}

// Engine evaluates scores against per-model thresholds and applies
// time-window suppression per dedup key. State transitions are a pure
// function of the clock, so an idle key decays back to quiet without any
// background sweeper.
type Engine struct {
	mu     sync.RWMutex
	states map[string]*keyState
	locks  *syncutil.ShardedMutex

	thresholds       map[string]float64
	defaultThreshold float64
	window           time.Duration
	dedupFields      []string
	now              func() time.Time
}

// NewEngine creates an alert decision engine from pipeline configuration.
func NewEngine(cfg domain.PipelineConfig) *Engine {
	window := cfg.SuppressionWindow
	if window <= 0 {
		window = 60 * time.Second
	}
	fields := cfg.DedupKeyFields
	if len(fields) == 0 {
		fields = []string{"user_id", "merchant"}
	}

	return &Engine{
		states:           make(map[string]*keyState),
		locks:            &syncutil.ShardedMutex{},
		thresholds:       cfg.Thresholds,
		defaultThreshold: cfg.DefaultThreshold,
		window:           window,
		dedupFields:      fields,
		now:              time.Now,
	}
}

// Threshold returns the alert threshold for a model version.
func (e *Engine) Threshold(modelVersion string) float64 {
	if t, ok := e.thresholds[modelVersion]; ok {
		return t
	}
	return e.defaultThreshold
}

// DedupKey joins the configured transaction fields into the suppression key.
func (e *Engine) DedupKey(tx *domain.Transaction) string {
	parts := make([]string, 0, len(e.dedupFields))
	for _, field := range e.dedupFields {
		switch field {
		case "user_id":
			parts = append(parts, tx.UserID)
		case "merchant":
			parts = append(parts, tx.Merchant)
		case "merchant_category":
			parts = append(parts, tx.MerchantCategory)
		case "device_id":
			parts = append(parts, tx.DeviceID)
		case "ip_address":
			parts = append(parts, tx.IPAddress)
		}
	}
	return strings.Join(parts, "|")
}

// Decide evaluates one score. Decisions for the same dedup key are
// serialized; distinct keys proceed in parallel.
func (e *Engine) Decide(tx *domain.Transaction, result *domain.ScoreResult) (*domain.AlertDecision, error) {
	if result == nil {
		return nil, fmt.Errorf("score result is required")
	}
	if math.IsNaN(result.Score) || math.IsInf(result.Score, 0) {
		return nil, fmt.Errorf("score for %s is not finite", result.TransactionID)
	}

	threshold := e.Threshold(result.ModelVersion)
	dedupKey := e.DedupKey(tx)
	now := e.now().UTC()

	decision := &domain.AlertDecision{
		TransactionID: tx.ID,
		ThresholdUsed: threshold,
		DedupKey:      dedupKey,
		EvaluatedAt:   now,
	}

	// The shard lock serializes every decision for this key, including
	// below-threshold reads: stateOf inspects the same counters the
	// suppression branch mutates.
	unlock := e.locks.Lock(dedupKey)
	defer unlock()

	if result.Score < threshold {
		decision.ReasonCode = domain.ReasonBelowThreshold
		decision.State = e.stateOf(dedupKey, now)
		return decision, nil
	}

	e.mu.RLock()
	st := e.states[dedupKey]
	e.mu.RUnlock()

	if st == nil || now.Sub(st.lastRaised) >= e.window {
		// Quiet, or the window has lapsed: raise and open a new window
		e.mu.Lock()
		e.states[dedupKey] = &keyState{lastRaised: now}
		e.mu.Unlock()

		decision.Raised = true
		decision.ReasonCode = domain.ReasonThresholdExceeded
		decision.State = domain.StateActive
		return decision, nil
	}

	st.suppressed++
	decision.ReasonCode = domain.ReasonSuppressedDuplicate
	decision.State = domain.StateSuppressed
	return decision, nil
}

// stateOf reports the suppression state a key is in at the given instant.
// Callers must hold the key's shard lock; suppressed is written under it.
func (e *Engine) stateOf(key string, now time.Time) domain.AlertState {
	e.mu.RLock()
	st := e.states[key]
	e.mu.RUnlock()

	if st == nil || now.Sub(st.lastRaised) >= e.window {
		return domain.StateQuiet
	}
	if st.suppressed > 0 {
		return domain.StateSuppressed
	}
	return domain.StateActive
}

// Sweep drops key state older than the suppression window. Decisions are
// correct without it; it only bounds memory on long-running processes.
func (e *Engine) Sweep() int {
	now := e.now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for key, st := range e.states {
		if now.Sub(st.lastRaised) >= e.window {
			delete(e.states, key)
			removed++
		}
	}
	return removed
}

// TrackedKeys returns the number of dedup keys with live state.
func (e *Engine) TrackedKeys() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.states)
}
