// Package payload assembles the immutable explanation payload emitted for
// every evaluation.
package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Assembler builds explanation payloads. Assembly is deterministic: the
// same inputs always produce the same bytes, including the trace ID.
type Assembler struct {
	topK  int
	bands []domain.LabelBand
}

// NewAssembler creates an assembler. topK is clamped to [1, 20].
func NewAssembler(topK int, bands []domain.LabelBand) *Assembler {
	if topK < 1 {
		topK = 1
	}
	if topK > 20 {
		topK = 20
	}
	return &Assembler{topK: topK, bands: bands}
}

// Assemble builds the payload for a completed evaluation. A nil attribution
// produces a degraded score-only payload with the explanation marked
// unavailable.
func (a *Assembler) Assemble(tx *domain.Transaction, result *domain.ScoreResult, attribution *domain.AttributionVector, decision *domain.AlertDecision) *domain.ExplanationPayload {
	p := &domain.ExplanationPayload{
		SchemaVersion:        domain.PayloadSchemaVersion,
		TransactionID:        tx.ID,
		TraceID:              TraceID(tx.ID, result.ModelVersion, tx.Timestamp),
		ModelVersion:         result.ModelVersion,
		Score:                result.Score,
		Label:                a.Label(result.Score),
		ReasonCode:           decision.ReasonCode,
		AlertRaised:          decision.Raised,
		TransactionTimestamp: tx.Timestamp.UTC(),
	}

	if attribution == nil {
		p.ExplanationUnavailable = true
		return p
	}

	p.Method = attribution.Method
	p.Baseline = attribution.Baseline
	p.Entries = attribution.TopK(a.topK)
	return p
}

// Label maps a score to its configured band. Bands use inclusive lower and
// exclusive upper bounds; a nil upper bound is unbounded.
func (a *Assembler) Label(score float64) string {
	for _, band := range a.bands {
		if band.LowerLimit != nil && score < *band.LowerLimit {
			continue
		}
		if band.UpperLimit != nil && score >= *band.UpperLimit {
			continue
		}
		return band.Label
	}
	return "unclassified"
}

// Marshal renders a payload to canonical JSON bytes.
func Marshal(p *domain.ExplanationPayload) ([]byte, error) {
	return json.Marshal(p)
}

// TraceID derives a stable identifier from the evaluation's identity. The
// same transaction scored by the same model version always maps to the
// same trace.
func TraceID(txID, modelVersion string, ts time.Time) string {
	h := sha256.New()
	h.Write([]byte(txID))
	h.Write([]byte{'|'})
	h.Write([]byte(modelVersion))
	h.Write([]byte{'|'})
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
