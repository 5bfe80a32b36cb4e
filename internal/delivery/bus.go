package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/observability"
)

// BusDeliverer publishes alert events on the event bus for in-cluster
// consumers such as case management workers.
type BusDeliverer struct {
	bus    domain.EventBus
	logger *slog.Logger
}

// NewBusDeliverer creates a bus deliverer.
func NewBusDeliverer(bus domain.EventBus, logger *slog.Logger) *BusDeliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusDeliverer{bus: bus, logger: logger}
}

// Name implements domain.AlertDeliverer.
func (d *BusDeliverer) Name() string { return "bus" }

// Deliver implements domain.AlertDeliverer.
func (d *BusDeliverer) Deliver(ctx context.Context, event *domain.AlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}

	if err := d.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
		observability.AlertDeliveries.WithLabelValues(d.Name(), "failed").Inc()
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	observability.AlertDeliveries.WithLabelValues(d.Name(), "ok").Inc()
	return nil
}
