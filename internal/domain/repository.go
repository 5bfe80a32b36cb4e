// Package domain defines the core types and capability interfaces for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence: incoming
// transactions, model artifacts, and the durable audit trail.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetTransactionsByUser(ctx context.Context, userID string, since time.Time) ([]*Transaction, error)
	GetTransactionsByDevice(ctx context.Context, deviceID string, since time.Time) ([]*Transaction, error)

	// Model artifact operations
	SaveModelArtifact(ctx context.Context, rec *ModelArtifactRecord) error
	GetModelArtifact(ctx context.Context, version string) (*ModelArtifactRecord, error)
	ListModelArtifacts(ctx context.Context) ([]*ModelArtifactRecord, error)

	// Audit trail: every assembled payload plus its decision reason code.
	SaveAudit(ctx context.Context, rec *AuditRecord) error
	GetAudit(ctx context.Context, txID string) (*AuditRecord, error)
	ListRaisedAlerts(ctx context.Context, since time.Time) ([]*AuditRecord, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ModelArtifactRecord is a stored, versioned model artifact.
type ModelArtifactRecord struct {
	Version   string    `json:"version"`
	Kind      string    `json:"kind"`
	Artifact  []byte    `json:"artifact"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuditRecord is one row of the durable audit trail. The payload bytes are
// the canonical ExplanationPayload exactly as assembled.
type AuditRecord struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	TraceID       string    `json:"traceId"`
	ModelVersion  string    `json:"modelVersion"`
	Score         float64   `json:"score"`
	Label         string    `json:"label"`
	ReasonCode    string    `json:"reasonCode"`
	Raised        bool      `json:"raised"`
	DedupKey      string    `json:"dedupKey"`
	Payload       []byte    `json:"payload"`
	CreatedAt     time.Time `json:"createdAt"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
