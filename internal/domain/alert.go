package domain

import (
	"time"
)

// AlertState is the per-dedup-key suppression state.
type AlertState string

const (
	// StateQuiet means no recent alert for the dedup key.
	StateQuiet AlertState = "QUIET"

	// StateActive means an alert was raised and the suppression window is open.
	StateActive AlertState = "ACTIVE"

	// StateSuppressed means further qualifying scores within the window were
	// observed and suppressed.
	StateSuppressed AlertState = "SUPPRESSED"
)

// Reason codes attached to every alert decision.
const (
	ReasonThresholdExceeded   = "THRESHOLD_EXCEEDED"
	ReasonSuppressedDuplicate = "SUPPRESSED_DUPLICATE"
	ReasonBelowThreshold      = "BELOW_THRESHOLD"
)

// AlertDecision is the outcome of the alert decision engine for one
// evaluation. A decision is produced for every valid score, raised or not.
type AlertDecision struct {
	TransactionID string     `json:"transactionId"`
	Raised        bool       `json:"raised"`
	ReasonCode    string     `json:"reasonCode"`
	ThresholdUsed float64    `json:"thresholdUsed"`
	DedupKey      string     `json:"dedupKey"`
	State         AlertState `json:"state"`
	EvaluatedAt   time.Time  `json:"evaluatedAt"`
}
