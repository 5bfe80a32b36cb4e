package domain

import (
	"context"
	"time"
)

// AlertDeliverer is the outbound delivery capability for raised alerts.
// Delivery failures never roll back the alert decision; they are logged and
// retried by the delivery collaborator, not the core.
type AlertDeliverer interface {
	// Deliver sends one alert event. It must respect ctx cancellation.
	Deliver(ctx context.Context, event *AlertEvent) error

	// Name identifies the deliverer in logs.
	Name() string
}

// Recommended actions attached to delivered alerts.
const (
	ActionReview = "review"
	ActionBlock  = "block"
)

// AlertEvent is the outbound artifact emitted when a decision raises.
type AlertEvent struct {
	TransactionID     string             `json:"transactionId"`
	UserID            string             `json:"userId"`
	Merchant          string             `json:"merchant"`
	Amount            float64            `json:"amount"`
	Score             float64            `json:"score"`
	Label             string             `json:"label"`
	TopAttribution    []AttributionEntry `json:"topAttribution,omitempty"`
	RecommendedAction string             `json:"recommendedAction"`
	TraceID           string             `json:"traceId"`
	RaisedAt          time.Time          `json:"raisedAt"`
}
