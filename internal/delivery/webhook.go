// Package delivery sends raised alerts to downstream consumers. Delivery is
// asynchronous and never blocks or fails the evaluation that raised the
// alert.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/observability"
)

// WebhookDeliverer POSTs alert events to a configured HTTP endpoint.
type WebhookDeliverer struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookDeliverer creates a webhook deliverer.
func NewWebhookDeliverer(cfg domain.DeliveryConfig, logger *slog.Logger) *WebhookDeliverer {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.WebhookTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookDeliverer{
		url:    cfg.WebhookURL,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Name implements domain.AlertDeliverer.
func (d *WebhookDeliverer) Name() string { return "webhook" }

// Deliver implements domain.AlertDeliverer.
func (d *WebhookDeliverer) Deliver(ctx context.Context, event *domain.AlertEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Kestrel-Event", "alert.raised")
	req.Header.Set("X-Kestrel-Trace", event.TraceID)

	resp, err := d.client.Do(req)
	if err != nil {
		observability.AlertDeliveries.WithLabelValues(d.Name(), "failed").Inc()
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		observability.AlertDeliveries.WithLabelValues(d.Name(), "rejected").Inc()
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}

	observability.AlertDeliveries.WithLabelValues(d.Name(), "ok").Inc()
	d.logger.Info("alert delivered",
		"sink", d.Name(),
		"tx_id", event.TransactionID,
		"trace_id", event.TraceID,
		"score", event.Score,
		"status", resp.StatusCode,
	)
	return nil
}
