package domain

import (
	"time"
)

// PayloadSchemaVersion identifies the audit payload format. Bump on any
// change to the ExplanationPayload wire shape; compliance review depends on it.
const PayloadSchemaVersion = "1"

// ExplanationPayload is the canonical external artifact for one evaluation:
// score, label, and the top-k attribution entries, immutable once assembled.
// This is the durable audit record.
type ExplanationPayload struct {
	SchemaVersion string  `json:"schemaVersion"`
	TransactionID string  `json:"transactionId"`
	TraceID       string  `json:"traceId"`
	ModelVersion  string  `json:"modelVersion"`
	Score         float64 `json:"score"`
	Label         string  `json:"label"`

	// Method names the attribution method; empty when the explanation is
	// unavailable.
	Method   string             `json:"method,omitempty"`
	Baseline float64            `json:"baseline"`
	Entries  []AttributionEntry `json:"entries,omitempty"`

	ReasonCode  string `json:"reasonCode"`
	AlertRaised bool   `json:"alertRaised"`

	// ExplanationUnavailable marks a degraded score-only payload emitted when
	// attribution failed verification. Never set alongside Entries.
	ExplanationUnavailable bool `json:"explanationUnavailable,omitempty"`

	// TransactionTimestamp is taken from the transaction, not the wall clock,
	// so identical inputs assemble byte-identical payloads.
	TransactionTimestamp time.Time `json:"transactionTimestamp"`
}

// EvaluationResponse mirrors the ExplanationPayload on the inbound interface.
type EvaluationResponse struct {
	TransactionID string              `json:"transactionId"`
	Score         float64             `json:"score"`
	Label         string              `json:"label"`
	ReasonCode    string              `json:"reasonCode"`
	AlertRaised   bool                `json:"alertRaised"`
	Explanation   *ExplanationPayload `json:"explanation"`
	Metadata      ResponseMetadata    `json:"metadata"`
}

// ResponseMetadata carries processing information for the caller.
type ResponseMetadata struct {
	TraceID      string `json:"traceId"`
	ModelVersion string `json:"modelVersion"`
	BuildMs      int64  `json:"buildMs"`
	ScoreMs      int64  `json:"scoreMs"`
	ExplainMs    int64  `json:"explainMs"`
	TotalMs      int64  `json:"totalMs"`
	Version      string `json:"version"`
}
