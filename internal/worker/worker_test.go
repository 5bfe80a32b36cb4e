package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/alerting"
	"github.com/opensource-finance/kestrel/internal/attribution"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/payload"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

func testArtifact(t *testing.T) []byte {
	t.Helper()
	artifact := &model.Artifact{
		Version: "v1",
		Kind:    model.KindTreeEnsemble,
		Features: features.Schema{
			{Name: "amount", Source: features.SourceTransaction, Field: "amount", Required: true},
			{Name: "new_device", Source: features.SourceExpr, Expr: "known_device ? 0.0 : 1.0"},
		},
		Base: 0.0,
		Trees: []model.Tree{
			{Nodes: []model.TreeNode{
				{Feature: "amount", Threshold: 1000, Left: 1, Right: 2, Value: 0.05},
				{Leaf: true, Value: 0.02},
				{Leaf: true, Value: 0.45},
			}},
			{Nodes: []model.TreeNode{
				{Feature: "new_device", Threshold: 0.5, Left: 1, Right: 2, Value: 0.05},
				{Leaf: true, Value: 0.02},
				{Leaf: true, Value: 0.46},
			}},
		},
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		t.Fatalf("marshal artifact: %v", err)
	}
	return data
}

type emptyLookup struct{}

func (emptyLookup) History(ctx context.Context, userID, deviceID string) (*domain.EntityHistory, error) {
	return &domain.EntityHistory{}, nil
}

func newTestPipeline(t *testing.T, eventBus domain.EventBus) *pipeline.Pipeline {
	t.Helper()

	registry := model.NewRegistry()
	m, err := registry.Load(testArtifact(t))
	if err != nil {
		t.Fatalf("failed to load model: %v", err)
	}

	builder, err := features.NewBuilder(m.Schema(), emptyLookup{}, 0, nil)
	if err != nil {
		t.Fatalf("failed to create builder: %v", err)
	}

	cfg := domain.DefaultConfig().Pipeline
	cfg.Thresholds = map[string]float64{"v1": 0.8}

	return pipeline.New(pipeline.Deps{
		Registry:    registry,
		Builder:     builder,
		Attribution: attribution.NewEngine(cfg.AttributionTolerance, cfg.PerturbationSamples),
		Alerting:    alerting.NewEngine(cfg),
		Assembler:   payload.NewAssembler(cfg.TopK, cfg.LabelBands),
		Bus:         eventBus,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func publishRequest(t *testing.T, eventBus domain.EventBus, req *domain.TransactionRequest) {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := eventBus.Publish(context.Background(), domain.TopicTransactionIngested, data); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestWorkerLifecycle(t *testing.T) {
	eventBus := bus.NewChannelBus(16)
	defer eventBus.Close()

	w := NewWorker(eventBus, newTestPipeline(t, eventBus), nil)

	if err := w.Start(Config{Concurrency: 2}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicTransactionIngested {
		t.Errorf("unexpected stats: %+v", stats)
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if w.GetStats().SubscriptionCount != 0 {
		t.Error("expected no subscriptions after stop")
	}
}

func TestWorkerEvaluatesIngestedTransaction(t *testing.T) {
	eventBus := bus.NewChannelBus(16)
	defer eventBus.Close()

	w := NewWorker(eventBus, newTestPipeline(t, eventBus), nil)
	if err := w.Start(Config{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	var decision atomic.Pointer[domain.ExplanationPayload]
	_, err := eventBus.Subscribe(context.Background(), domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		var p domain.ExplanationPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return err
		}
		decision.Store(&p)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ts := time.Date(2024, 3, 15, 3, 30, 0, 0, time.UTC)
	publishRequest(t, eventBus, &domain.TransactionRequest{
		TransactionID: "tx-async-001",
		UserID:        "user-001",
		Amount:        1250.00,
		Merchant:      "acme-electronics",
		DeviceID:      "device-001",
		Timestamp:     &ts,
	})

	if !waitFor(t, 2*time.Second, func() bool { return decision.Load() != nil }) {
		t.Fatal("expected decision to be published")
	}

	p := decision.Load()
	if p.TransactionID != "tx-async-001" {
		t.Errorf("expected tx-async-001, got %s", p.TransactionID)
	}
	if p.Score < 0.9 || p.Label != "suspicious" {
		t.Errorf("unexpected decision: %+v", p)
	}
}

func TestWorkerDropsMalformedMessages(t *testing.T) {
	eventBus := bus.NewChannelBus(16)
	defer eventBus.Close()

	w := NewWorker(eventBus, newTestPipeline(t, eventBus), nil)
	if err := w.Start(Config{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := eventBus.Publish(context.Background(), domain.TopicTransactionIngested, []byte("{broken")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	publishRequest(t, eventBus, &domain.TransactionRequest{Amount: 50})

	// A valid transaction after the bad ones still gets processed.
	var decided atomic.Bool
	eventBus.Subscribe(context.Background(), domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		decided.Store(true)
		return nil
	})

	publishRequest(t, eventBus, &domain.TransactionRequest{
		TransactionID: "tx-ok",
		UserID:        "user-ok",
		Amount:        50,
	})

	if !waitFor(t, 2*time.Second, func() bool { return decided.Load() }) {
		t.Error("expected valid transaction to be evaluated")
	}
}

func TestWorkerBoundedConcurrency(t *testing.T) {
	eventBus := bus.NewChannelBus(64)
	defer eventBus.Close()

	w := NewWorker(eventBus, newTestPipeline(t, eventBus), nil)
	if err := w.Start(Config{Concurrency: 4}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var decisions atomic.Int32
	eventBus.Subscribe(context.Background(), domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		decisions.Add(1)
		return nil
	})

	const n = 20
	for i := 0; i < n; i++ {
		publishRequest(t, eventBus, &domain.TransactionRequest{
			UserID: "user-bulk",
			Amount: float64(100 + i),
		})
	}

	if !waitFor(t, 5*time.Second, func() bool { return decisions.Load() == n }) {
		t.Errorf("expected %d decisions, got %d", n, decisions.Load())
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
