// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores a transaction.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	metadata, _ := json.Marshal(tx.Metadata)

	query := `
		INSERT INTO transactions (
			id, user_id, amount, merchant, merchant_category,
			location, device_id, ip_address, timestamp, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.UserID, tx.Amount,
		tx.Merchant, tx.MerchantCategory,
		tx.Location, tx.DeviceID, tx.IPAddress,
		tx.Timestamp, tx.CreatedAt,
		string(metadata),
	)
	return err
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	if txID == "" {
		return nil, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, user_id, amount, merchant, merchant_category,
			   location, device_id, ip_address, timestamp, created_at, metadata
		FROM transactions
		WHERE id = ?
	`

	var tx domain.Transaction
	var metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(
		&tx.ID, &tx.UserID, &tx.Amount,
		&tx.Merchant, &tx.MerchantCategory,
		&tx.Location, &tx.DeviceID, &tx.IPAddress,
		&tx.Timestamp, &tx.CreatedAt,
		&metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if metadata != "" {
		json.Unmarshal([]byte(metadata), &tx.Metadata)
	}

	return &tx, nil
}

// GetTransactionsByUser retrieves transactions for a user since a point in time.
func (r *SQLRepository) GetTransactionsByUser(ctx context.Context, userID string, since time.Time) ([]*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return r.queryTransactions(ctx, `user_id = ?`, userID, since)
}

// GetTransactionsByDevice retrieves transactions for a device since a point in time.
func (r *SQLRepository) GetTransactionsByDevice(ctx context.Context, deviceID string, since time.Time) ([]*domain.Transaction, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidInput)
	}
	return r.queryTransactions(ctx, `device_id = ?`, deviceID, since)
}

func (r *SQLRepository) queryTransactions(ctx context.Context, where string, entityID string, since time.Time) ([]*domain.Transaction, error) {
	query := `
		SELECT id, user_id, amount, merchant, merchant_category,
			   location, device_id, ip_address, timestamp, created_at, metadata
		FROM transactions
		WHERE ` + where + `
		  AND timestamp >= ?
		ORDER BY timestamp DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), entityID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		var metadata string

		if err := rows.Scan(
			&tx.ID, &tx.UserID, &tx.Amount,
			&tx.Merchant, &tx.MerchantCategory,
			&tx.Location, &tx.DeviceID, &tx.IPAddress,
			&tx.Timestamp, &tx.CreatedAt,
			&metadata,
		); err != nil {
			return nil, err
		}

		if metadata != "" {
			json.Unmarshal([]byte(metadata), &tx.Metadata)
		}

		transactions = append(transactions, &tx)
	}

	return transactions, rows.Err()
}

// SaveModelArtifact stores a versioned model artifact.
func (r *SQLRepository) SaveModelArtifact(ctx context.Context, rec *domain.ModelArtifactRecord) error {
	if rec == nil || rec.Version == "" {
		return fmt.Errorf("%w: artifact version is required", ErrInvalidInput)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO model_artifacts (version, kind, artifact, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(version) DO UPDATE SET
			kind = excluded.kind,
			artifact = excluded.artifact,
			created_at = excluded.created_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.Version, rec.Kind, string(rec.Artifact), createdAt,
	)
	return err
}

// GetModelArtifact retrieves a model artifact by version.
func (r *SQLRepository) GetModelArtifact(ctx context.Context, version string) (*domain.ModelArtifactRecord, error) {
	if version == "" {
		return nil, fmt.Errorf("%w: artifact version is required", ErrInvalidInput)
	}

	query := `
		SELECT version, kind, artifact, created_at
		FROM model_artifacts
		WHERE version = ?
	`

	var rec domain.ModelArtifactRecord
	var artifact string

	err := r.db.QueryRowContext(ctx, r.rebind(query), version).Scan(
		&rec.Version, &rec.Kind, &artifact, &rec.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Artifact = []byte(artifact)
	return &rec, nil
}

// ListModelArtifacts retrieves all stored model artifacts.
func (r *SQLRepository) ListModelArtifacts(ctx context.Context) ([]*domain.ModelArtifactRecord, error) {
	query := `
		SELECT version, kind, artifact, created_at
		FROM model_artifacts
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.ModelArtifactRecord
	for rows.Next() {
		var rec domain.ModelArtifactRecord
		var artifact string

		if err := rows.Scan(&rec.Version, &rec.Kind, &artifact, &rec.CreatedAt); err != nil {
			return nil, err
		}

		rec.Artifact = []byte(artifact)
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// SaveAudit stores one audit record.
func (r *SQLRepository) SaveAudit(ctx context.Context, rec *domain.AuditRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: audit id is required", ErrInvalidInput)
	}

	raised := 0
	if rec.Raised {
		raised = 1
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audits (
			id, tx_id, trace_id, model_version, score, label,
			reason_code, raised, dedup_key, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, rec.TransactionID, rec.TraceID, rec.ModelVersion,
		rec.Score, rec.Label, rec.ReasonCode, raised, rec.DedupKey,
		string(rec.Payload), createdAt,
	)
	return err
}

// GetAudit retrieves the most recent audit record for a transaction.
func (r *SQLRepository) GetAudit(ctx context.Context, txID string) (*domain.AuditRecord, error) {
	if txID == "" {
		return nil, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tx_id, trace_id, model_version, score, label,
			   reason_code, raised, dedup_key, payload, created_at
		FROM audits
		WHERE tx_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	rec, err := r.scanAudit(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListRaisedAlerts retrieves audit records for raised alerts since a point in time.
func (r *SQLRepository) ListRaisedAlerts(ctx context.Context, since time.Time) ([]*domain.AuditRecord, error) {
	query := `
		SELECT id, tx_id, trace_id, model_version, score, label,
			   reason_code, raised, dedup_key, payload, created_at
		FROM audits
		WHERE raised = 1 AND created_at >= ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.AuditRecord
	for rows.Next() {
		rec, err := r.scanAudit(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLRepository) scanAudit(row rowScanner) (*domain.AuditRecord, error) {
	var rec domain.AuditRecord
	var raised int
	var payload string

	err := row.Scan(
		&rec.ID, &rec.TransactionID, &rec.TraceID, &rec.ModelVersion,
		&rec.Score, &rec.Label, &rec.ReasonCode, &raised, &rec.DedupKey,
		&payload, &rec.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Raised = raised == 1
	rec.Payload = []byte(payload)
	return &rec, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
