package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestChannelBusPublishSubscribe(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()

	ctx := context.Background()

	var received atomic.Int64
	sub, err := b.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, domain.TopicAlert, []byte(`{"score":0.9}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	deadline := time.After(time.Second)
	for received.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("message was not delivered within 1s")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestChannelBusTopicIsolation(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()

	ctx := context.Background()

	var alerts atomic.Int64
	sub, err := b.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		alerts.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	// Publish to a different topic; the alert subscriber must not see it.
	if err := b.Publish(ctx, domain.TopicDecision, []byte(`{}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if alerts.Load() != 0 {
		t.Errorf("expected 0 alert messages, got %d", alerts.Load())
	}
}

func TestChannelBusUnsubscribe(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()

	ctx := context.Background()

	var received atomic.Int64
	sub, err := b.Subscribe(ctx, domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	b.Publish(ctx, domain.TopicDecision, []byte(`{}`))
	time.Sleep(50 * time.Millisecond)

	if received.Load() != 0 {
		t.Errorf("expected no messages after unsubscribe, got %d", received.Load())
	}
}

func TestChannelBusClosedPublish(t *testing.T) {
	b := NewChannelBus(10)
	b.Close()

	if err := b.Publish(context.Background(), domain.TopicAlert, []byte(`{}`)); err == nil {
		t.Error("expected error publishing on closed bus")
	}
	if err := b.Ping(context.Background()); err == nil {
		t.Error("expected ping error on closed bus")
	}
}

func TestNewUnsupportedBusType(t *testing.T) {
	_, err := New(domain.EventBusConfig{Type: "kafka"})
	if err == nil {
		t.Error("expected error for unsupported bus type")
	}
}
