package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func testEvent() *domain.AlertEvent {
	return &domain.AlertEvent{
		TransactionID:     "tx-001",
		UserID:            "user-001",
		Merchant:          "shop",
		Amount:            1250.00,
		Score:             0.91,
		Label:             "suspicious",
		RecommendedAction: domain.ActionReview,
		TraceID:           "trace-001",
		RaisedAt:          time.Now().UTC(),
	}
}

func TestWebhookDeliverer(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		var received domain.AlertEvent
		var gotEvent, gotTrace string

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotEvent = r.Header.Get("X-Kestrel-Event")
			gotTrace = r.Header.Get("X-Kestrel-Trace")
			json.NewDecoder(r.Body).Decode(&received)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		d := NewWebhookDeliverer(domain.DeliveryConfig{WebhookURL: srv.URL}, nil)
		if err := d.Deliver(context.Background(), testEvent()); err != nil {
			t.Fatalf("Deliver failed: %v", err)
		}

		if received.TransactionID != "tx-001" || received.Score != 0.91 {
			t.Errorf("unexpected payload: %+v", received)
		}
		if gotEvent != "alert.raised" || gotTrace != "trace-001" {
			t.Errorf("unexpected headers: event=%s trace=%s", gotEvent, gotTrace)
		}
	})

	t.Run("EndpointRejects", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		d := NewWebhookDeliverer(domain.DeliveryConfig{WebhookURL: srv.URL}, nil)
		if err := d.Deliver(context.Background(), testEvent()); err == nil {
			t.Error("expected error for 500 response")
		}
	})

	t.Run("Unreachable", func(t *testing.T) {
		d := NewWebhookDeliverer(domain.DeliveryConfig{
			WebhookURL:     "http://127.0.0.1:1",
			WebhookTimeout: 100 * time.Millisecond,
		}, nil)
		if err := d.Deliver(context.Background(), testEvent()); err == nil {
			t.Error("expected error for unreachable endpoint")
		}
	})
}

func TestBusDeliverer(t *testing.T) {
	eventBus := bus.NewChannelBus(16)
	defer eventBus.Close()

	ctx := context.Background()
	got := make(chan *domain.AlertEvent, 1)

	_, err := eventBus.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		var event domain.AlertEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return err
		}
		got <- &event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	d := NewBusDeliverer(eventBus, nil)
	if err := d.Deliver(ctx, testEvent()); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	select {
	case event := <-got:
		if event.TransactionID != "tx-001" {
			t.Errorf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for alert on bus")
	}
}

type countingDeliverer struct {
	name  string
	count atomic.Int64
	err   error
}

func (c *countingDeliverer) Name() string { return c.name }
func (c *countingDeliverer) Deliver(ctx context.Context, event *domain.AlertEvent) error {
	c.count.Add(1)
	return c.err
}

func TestDispatcherFanOut(t *testing.T) {
	a := &countingDeliverer{name: "a"}
	b := &countingDeliverer{name: "b", err: errors.New("sink down")}

	d := NewDispatcher([]domain.AlertDeliverer{a, b}, time.Second, nil)
	d.DispatchAsync(testEvent())
	d.Wait()

	if a.count.Load() != 1 {
		t.Errorf("expected 1 delivery to a, got %d", a.count.Load())
	}
	// A failing sink must not prevent others from being attempted
	if b.count.Load() != 1 {
		t.Errorf("expected 1 delivery attempt to b, got %d", b.count.Load())
	}
}

func TestRecommendedAction(t *testing.T) {
	if got := RecommendedAction(0.91, 0.95); got != domain.ActionReview {
		t.Errorf("expected review, got %s", got)
	}
	if got := RecommendedAction(0.97, 0.95); got != domain.ActionBlock {
		t.Errorf("expected block, got %s", got)
	}
	// Zero cutoff disables block recommendations
	if got := RecommendedAction(0.99, 0); got != domain.ActionReview {
		t.Errorf("expected review with disabled cutoff, got %s", got)
	}
}
