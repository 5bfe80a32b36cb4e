// Package pipeline orchestrates one evaluation: build features, score,
// attribute, decide, assemble, persist.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/alerting"
	"github.com/opensource-finance/kestrel/internal/attribution"
	"github.com/opensource-finance/kestrel/internal/delivery"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/observability"
	"github.com/opensource-finance/kestrel/internal/payload"
)

const engineVersion = "kestrel-1.0"

var tracer = otel.Tracer("kestrel-pipeline")

// Explainer computes the attribution vector for a scored transaction.
// Satisfied by attribution.Engine.
type Explainer interface {
	Explain(txID string, result *domain.ScoreResult, vector *domain.FeatureVector, scorer attribution.ScoreFunc) (*domain.AttributionVector, error)
}

// Pipeline wires the evaluation stages together. Safe for concurrent use;
// a model reload mid-request never affects in-flight evaluations because
// each pins its model up front.
type Pipeline struct {
	registry    *model.Registry
	builder     *features.Builder
	attribution Explainer
	alerting    *alerting.Engine
	assembler   *payload.Assembler

	repo       domain.Repository
	bus        domain.EventBus
	dispatcher *delivery.Dispatcher

	recommendBlockAt float64
	logger           *slog.Logger
}

// Deps holds the pipeline's collaborators.
type Deps struct {
	Registry    *model.Registry
	Builder     *features.Builder
	Attribution Explainer
	Alerting    *alerting.Engine
	Assembler   *payload.Assembler

	Repository domain.Repository
	Bus        domain.EventBus
	Dispatcher *delivery.Dispatcher

	RecommendBlockAt float64
	Logger           *slog.Logger
}

// New creates a pipeline.
func New(deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		registry:         deps.Registry,
		builder:          deps.Builder,
		attribution:      deps.Attribution,
		alerting:         deps.Alerting,
		assembler:        deps.Assembler,
		repo:             deps.Repository,
		bus:              deps.Bus,
		dispatcher:       deps.Dispatcher,
		recommendBlockAt: deps.RecommendBlockAt,
		logger:           logger,
	}
}

// Evaluate runs the full pipeline for one transaction. modelVersion pins a
// specific model; empty selects the current one.
//
// Attribution failure degrades the response to score-only instead of
// failing it. Schema and model errors fail the request and are typed for
// the API layer to map.
func (p *Pipeline) Evaluate(ctx context.Context, tx *domain.Transaction, modelVersion string) (*domain.EvaluationResponse, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "pipeline.evaluate",
		trace.WithAttributes(
			attribute.String("tx.id", tx.ID),
			attribute.String("model.version", modelVersion),
		),
	)
	defer span.End()

	m, err := p.registry.Get(modelVersion)
	if err != nil {
		observability.Evaluations.WithLabelValues("model_error").Inc()
		return nil, err
	}
	span.SetAttributes(attribute.String("model.resolved", m.Version()))

	// Build
	buildStart := time.Now()
	vector, err := p.buildVector(ctx, tx)
	buildMs := time.Since(buildStart)
	if err != nil {
		observability.Evaluations.WithLabelValues("schema_error").Inc()
		return nil, err
	}
	observability.StageLatency.WithLabelValues("build").Observe(buildMs.Seconds())

	// Score
	scoreStart := time.Now()
	result, err := p.score(ctx, m, vector)
	scoreMs := time.Since(scoreStart)
	if err != nil {
		observability.Evaluations.WithLabelValues("schema_error").Inc()
		return nil, err
	}
	result.TransactionID = tx.ID
	observability.StageLatency.WithLabelValues("score").Observe(scoreMs.Seconds())

	// Explain. An inconsistent attribution is discarded, not emitted.
	explainStart := time.Now()
	attrVec, err := p.explain(ctx, tx, m, result, vector)
	explainMs := time.Since(explainStart)
	degraded := false
	if err != nil {
		var attrErr *domain.AttributionError
		if !errors.As(err, &attrErr) {
			observability.Evaluations.WithLabelValues("error").Inc()
			return nil, err
		}
		observability.AttributionFailures.WithLabelValues(attrErr.Method).Inc()
		p.logger.Error("attribution rejected, degrading to score-only",
			"tx_id", tx.ID,
			"model_version", m.Version(),
			"error", err,
		)
		attrVec = nil
		degraded = true
	}
	observability.StageLatency.WithLabelValues("explain").Observe(explainMs.Seconds())

	// Decide
	decideStart := time.Now()
	decision, err := p.alerting.Decide(tx, result)
	if err != nil {
		observability.Evaluations.WithLabelValues("error").Inc()
		return nil, err
	}
	observability.StageLatency.WithLabelValues("decide").Observe(time.Since(decideStart).Seconds())
	observability.Alerts.WithLabelValues(decision.ReasonCode).Inc()

	// Assemble
	explanation := p.assembler.Assemble(tx, result, attrVec, decision)

	p.persist(ctx, tx, explanation, decision)
	p.publishDecision(ctx, explanation)
	if decision.Raised {
		p.deliverAlert(tx, result, explanation)
	}

	if degraded {
		observability.Evaluations.WithLabelValues("degraded").Inc()
	} else {
		observability.Evaluations.WithLabelValues("ok").Inc()
	}

	totalMs := time.Since(start)
	observability.StageLatency.WithLabelValues("total").Observe(totalMs.Seconds())

	p.logger.Info("evaluation complete",
		"tx_id", tx.ID,
		"trace_id", explanation.TraceID,
		"model_version", m.Version(),
		"score", result.Score,
		"label", explanation.Label,
		"reason", decision.ReasonCode,
		"raised", decision.Raised,
		"degraded", degraded,
		"total_ms", totalMs.Milliseconds(),
	)

	return &domain.EvaluationResponse{
		TransactionID: tx.ID,
		Score:         result.Score,
		Label:         explanation.Label,
		ReasonCode:    decision.ReasonCode,
		AlertRaised:   decision.Raised,
		Explanation:   explanation,
		Metadata: domain.ResponseMetadata{
			TraceID:      explanation.TraceID,
			ModelVersion: m.Version(),
			BuildMs:      buildMs.Milliseconds(),
			ScoreMs:      scoreMs.Milliseconds(),
			ExplainMs:    explainMs.Milliseconds(),
			TotalMs:      totalMs.Milliseconds(),
			Version:      engineVersion,
		},
	}, nil
}

func (p *Pipeline) buildVector(ctx context.Context, tx *domain.Transaction) (*domain.FeatureVector, error) {
	ctx, span := tracer.Start(ctx, "pipeline.build")
	defer span.End()
	return p.builder.Build(ctx, tx)
}

func (p *Pipeline) score(ctx context.Context, m model.Model, vector *domain.FeatureVector) (*domain.ScoreResult, error) {
	_, span := tracer.Start(ctx, "pipeline.score")
	defer span.End()
	return m.Score(vector)
}

func (p *Pipeline) explain(ctx context.Context, tx *domain.Transaction, m model.Model, result *domain.ScoreResult, vector *domain.FeatureVector) (*domain.AttributionVector, error) {
	_, span := tracer.Start(ctx, "pipeline.explain")
	defer span.End()

	scorer := func(v *domain.FeatureVector) (float64, error) {
		r, err := m.Score(v)
		if err != nil {
			return 0, err
		}
		return r.Score, nil
	}

	return p.attribution.Explain(tx.ID, result, vector, scorer)
}

// persist stores the transaction and audit record. Storage failures are
// logged, not surfaced: the caller already has a valid decision.
func (p *Pipeline) persist(ctx context.Context, tx *domain.Transaction, explanation *domain.ExplanationPayload, decision *domain.AlertDecision) {
	if p.repo == nil {
		return
	}

	if err := p.repo.SaveTransaction(ctx, tx); err != nil {
		p.logger.Warn("failed to persist transaction", "tx_id", tx.ID, "error", err)
	}

	body, err := payload.Marshal(explanation)
	if err != nil {
		p.logger.Error("failed to marshal audit payload", "tx_id", tx.ID, "error", err)
		return
	}

	audit := &domain.AuditRecord{
		ID:            uuid.New().String(),
		TransactionID: tx.ID,
		TraceID:       explanation.TraceID,
		ModelVersion:  explanation.ModelVersion,
		Score:         explanation.Score,
		Label:         explanation.Label,
		ReasonCode:    decision.ReasonCode,
		Raised:        decision.Raised,
		DedupKey:      decision.DedupKey,
		Payload:       body,
		CreatedAt:     time.Now().UTC(),
	}
	if err := p.repo.SaveAudit(ctx, audit); err != nil {
		p.logger.Error("failed to persist audit record", "tx_id", tx.ID, "error", err)
	}
}

func (p *Pipeline) publishDecision(ctx context.Context, explanation *domain.ExplanationPayload) {
	if p.bus == nil {
		return
	}
	body, err := json.Marshal(explanation)
	if err != nil {
		return
	}
	if err := p.bus.Publish(ctx, domain.TopicDecision, body); err != nil {
		p.logger.Warn("failed to publish decision",
			"tx_id", explanation.TransactionID, "error", err)
	}
}

func (p *Pipeline) deliverAlert(tx *domain.Transaction, result *domain.ScoreResult, explanation *domain.ExplanationPayload) {
	if p.dispatcher == nil {
		return
	}
	p.dispatcher.DispatchAsync(&domain.AlertEvent{
		TransactionID:     tx.ID,
		UserID:            tx.UserID,
		Merchant:          tx.Merchant,
		Amount:            tx.Amount,
		Score:             result.Score,
		Label:             explanation.Label,
		TopAttribution:    explanation.Entries,
		RecommendedAction: delivery.RecommendedAction(result.Score, p.recommendBlockAt),
		TraceID:           explanation.TraceID,
		RaisedAt:          time.Now().UTC(),
	})
}

// LoadModels loads persisted artifacts into the registry and promotes the
// configured default version when set.
func LoadModels(ctx context.Context, repo domain.Repository, registry *model.Registry, defaultVersion string, logger *slog.Logger) error {
	records, err := repo.ListModelArtifacts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list model artifacts: %w", err)
	}

	for _, rec := range records {
		if _, err := registry.Load(rec.Artifact); err != nil {
			observability.ModelReloads.WithLabelValues("failed").Inc()
			logger.Error("failed to load model artifact", "version", rec.Version, "error", err)
			continue
		}
		observability.ModelReloads.WithLabelValues("ok").Inc()
		logger.Info("model loaded", "version", rec.Version, "kind", rec.Kind)
	}

	if defaultVersion != "" {
		if err := registry.SetCurrent(defaultVersion); err != nil {
			return fmt.Errorf("failed to promote default model: %w", err)
		}
	}

	return nil
}
