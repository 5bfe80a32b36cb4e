// Package worker provides async transaction evaluation from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Worker consumes ingested transactions from the bus and runs them through
// the evaluation pipeline. It exists so upstream producers can fire and
// forget; synchronous callers use the HTTP API instead.
type Worker struct {
	bus      domain.EventBus
	pipeline *pipeline.Pipeline
	logger   *slog.Logger

	sem chan struct{}

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Concurrency bounds the number of transactions evaluated at once.
	Concurrency int
}

// NewWorker creates an async worker.
func NewWorker(bus domain.EventBus, p *pipeline.Pipeline, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		pipeline: p,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the ingestion topic.
func (w *Worker) Start(cfg Config) error {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	w.sem = make(chan struct{}, concurrency)

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.logger.Info("worker started",
		"topic", domain.TopicTransactionIngested,
		"concurrency", concurrency,
	)
	return nil
}

// handleMessage decodes an ingested transaction and evaluates it. Evaluation
// runs on its own goroutine so a slow model never backs up the bus; the
// semaphore bounds how many run at once.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var req domain.TransactionRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.logger.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if req.UserID == "" {
		w.logger.Warn("dropping transaction without user id", "message_id", msg.ID)
		return nil
	}

	tx := req.ToTransaction(uuid.New().String())

	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.evaluate(tx, req.ModelVersion)
	}()

	return nil
}

func (w *Worker) evaluate(tx *domain.Transaction, modelVersion string) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
	defer cancel()

	resp, err := w.pipeline.Evaluate(ctx, tx, modelVersion)
	if err != nil {
		w.logger.Error("async evaluation failed",
			"tx_id", tx.ID,
			"error", err,
		)
		return
	}

	w.logger.Info("transaction evaluated",
		"tx_id", tx.ID,
		"score", resp.Score,
		"label", resp.Label,
		"alert_raised", resp.AlertRaised,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop unsubscribes and waits for in-flight evaluations to finish.
func (w *Worker) Stop() error {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()
	w.cancel()

	w.logger.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
