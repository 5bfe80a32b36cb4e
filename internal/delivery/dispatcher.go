package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Dispatcher fans an alert event out to every configured deliverer in the
// background. Evaluations return to the caller before delivery completes.
type Dispatcher struct {
	deliverers []domain.AlertDeliverer
	timeout    time.Duration
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given deliverers.
func NewDispatcher(deliverers []domain.AlertDeliverer, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		deliverers: deliverers,
		timeout:    timeout,
		logger:     logger,
	}
}

// DispatchAsync sends the event to all deliverers without blocking. Each
// delivery gets its own timeout detached from the request context.
func (d *Dispatcher) DispatchAsync(event *domain.AlertEvent) {
	for _, deliverer := range d.deliverers {
		d.wg.Add(1)
		go func(dd domain.AlertDeliverer) {
			defer d.wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()

			if err := dd.Deliver(ctx, event); err != nil {
				d.logger.Warn("alert delivery failed",
					"sink", dd.Name(),
					"tx_id", event.TransactionID,
					"trace_id", event.TraceID,
					"error", err,
				)
			}
		}(deliverer)
	}
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// RecommendedAction maps a score to the analyst action delivered with the
// alert.
func RecommendedAction(score, blockAt float64) string {
	if blockAt > 0 && score >= blockAt {
		return domain.ActionBlock
	}
	return domain.ActionReview
}
