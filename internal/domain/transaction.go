package domain

import (
	"time"
)

// Transaction represents an incoming transaction to be scored.
// It is created by the ingestion side and consumed read-only by the pipeline.
type Transaction struct {
	// Core identifiers
	ID     string `json:"id"`
	UserID string `json:"userId"`

	// Financial details
	Amount           float64 `json:"amount"`
	Merchant         string  `json:"merchant"`
	MerchantCategory string  `json:"merchantCategory"`

	// Origin
	Location  string `json:"location"`
	DeviceID  string `json:"deviceId"`
	IPAddress string `json:"ipAddress"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// Optional metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// TransactionRequest is the API request payload for transaction scoring.
type TransactionRequest struct {
	TransactionID    string                 `json:"transactionId,omitempty"`
	UserID           string                 `json:"userId"`
	Amount           float64                `json:"amount"`
	Merchant         string                 `json:"merchant"`
	MerchantCategory string                 `json:"merchantCategory,omitempty"`
	Location         string                 `json:"location,omitempty"`
	DeviceID         string                 `json:"deviceId,omitempty"`
	IPAddress        string                 `json:"ipAddress,omitempty"`
	Timestamp        *time.Time             `json:"timestamp,omitempty"`
	ModelVersion     string                 `json:"modelVersion,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// ToTransaction converts a request to a Transaction domain object.
// The caller supplies a generated ID used when the request carries none.
func (r *TransactionRequest) ToTransaction(id string) *Transaction {
	now := time.Now().UTC()
	ts := now
	if r.Timestamp != nil {
		ts = r.Timestamp.UTC()
	}
	if r.TransactionID != "" {
		id = r.TransactionID
	}
	return &Transaction{
		ID:               id,
		UserID:           r.UserID,
		Amount:           r.Amount,
		Merchant:         r.Merchant,
		MerchantCategory: r.MerchantCategory,
		Location:         r.Location,
		DeviceID:         r.DeviceID,
		IPAddress:        r.IPAddress,
		Timestamp:        ts,
		CreatedAt:        now,
		Metadata:         r.Metadata,
	}
}
