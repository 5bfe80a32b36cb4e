package features

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ContextLookup supplies behavioral history for a user and device pair.
type ContextLookup interface {
	History(ctx context.Context, userID, deviceID string) (*domain.EntityHistory, error)
}

// Builder assembles feature vectors for the scoring engine. Expression
// features are compiled once at construction; Build is safe for
// concurrent use.
type Builder struct {
	mu            sync.RWMutex
	env           *cel.Env
	schema        Schema
	programs      map[string]cel.Program
	lookup        ContextLookup
	lookupTimeout time.Duration
	logger        *slog.Logger
}

// NewBuilder creates a builder for the given schema. Expression features
// that fail to compile or return a non-numeric type are rejected here,
// not at request time.
func NewBuilder(schema Schema, lookup ContextLookup, lookupTimeout time.Duration, logger *slog.Logger) (*Builder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if lookupTimeout <= 0 {
		lookupTimeout = 150 * time.Millisecond
	}

	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("hour_of_day", cel.IntType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("merchant_category", cel.StringType),
		cel.Variable("location", cel.StringType),
		cel.Variable("device_id", cel.StringType),
		cel.Variable("ip_address", cel.StringType),
		cel.Variable("tx_count_1h", cel.IntType),
		cel.Variable("tx_count_24h", cel.IntType),
		cel.Variable("avg_amount_30d", cel.DoubleType),
		cel.Variable("device_tx_count", cel.IntType),
		cel.Variable("known_device", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	b := &Builder{
		env:           env,
		lookup:        lookup,
		lookupTimeout: lookupTimeout,
		logger:        logger,
	}

	if err := b.SetSchema(schema); err != nil {
		return nil, err
	}

	return b, nil
}

// SetSchema replaces the active schema, compiling expression features.
// Used on model reload when the new model declares a different feature set.
func (b *Builder) SetSchema(schema Schema) error {
	programs := make(map[string]cel.Program, len(schema))

	for _, spec := range schema {
		switch spec.Source {
		case SourceTransaction:
			if _, ok := transactionField(&domain.Transaction{}, spec.Field); !ok {
				return fmt.Errorf("feature %s: unknown transaction field %q", spec.Name, spec.Field)
			}
		case SourceHistory:
			if _, ok := historyField(&domain.EntityHistory{}, spec.Field); !ok {
				return fmt.Errorf("feature %s: unknown history field %q", spec.Name, spec.Field)
			}
		case SourceExpr:
			program, err := b.compile(spec)
			if err != nil {
				return err
			}
			programs[spec.Name] = program
		default:
			return fmt.Errorf("feature %s: unknown source %q", spec.Name, spec.Source)
		}
	}

	b.mu.Lock()
	b.schema = schema
	b.programs = programs
	b.mu.Unlock()

	return nil
}

func (b *Builder) compile(spec FeatureSpec) (cel.Program, error) {
	ast, issues := b.env.Compile(spec.Expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile feature %s: %w", spec.Name, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("feature %s: expression must return bool, int, or double, got %s", spec.Name, outputType)
	}

	program, err := b.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for feature %s: %w", spec.Name, err)
	}

	return program, nil
}

// Schema returns the active schema.
func (b *Builder) Schema() Schema {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(Schema, len(b.schema))
	copy(out, b.schema)
	return out
}

// Build assembles the feature vector for one transaction. History lookups
// are bounded by the configured timeout; on failure the builder falls back
// to per-feature defaults rather than failing the request.
func (b *Builder) Build(ctx context.Context, tx *domain.Transaction) (*domain.FeatureVector, error) {
	if err := validateTransaction(tx); err != nil {
		return nil, err
	}

	b.mu.RLock()
	schema := b.schema
	programs := b.programs
	b.mu.RUnlock()

	hist, degraded := b.fetchHistory(ctx, tx)

	var activation map[string]any

	vector := domain.NewFeatureVector(schema.Names())
	for _, spec := range schema {
		switch spec.Source {
		case SourceTransaction:
			val, _ := transactionField(tx, spec.Field)
			if val == 0 && spec.Required {
				// Omitted JSON fields decode to zero, so a required
				// field must carry a value or a declared imputation.
				if spec.Default == nil {
					return nil, &domain.SchemaError{
						Field:  spec.Field,
						Reason: fmt.Sprintf("required by feature %s and absent", spec.Name),
					}
				}
				val = *spec.Default
			}
			vector.Set(spec.Name, val)

		case SourceHistory:
			if degraded {
				if spec.Default != nil {
					vector.Set(spec.Name, *spec.Default)
					continue
				}
				if spec.Required {
					return nil, &domain.SchemaError{
						Field:  spec.Field,
						Reason: fmt.Sprintf("history unavailable for required feature %s", spec.Name),
					}
				}
			}
			val, _ := historyField(hist, spec.Field)
			vector.Set(spec.Name, val)

		case SourceExpr:
			if activation == nil {
				activation = buildActivation(tx, hist)
			}
			out, _, err := programs[spec.Name].Eval(activation)
			if err != nil {
				if spec.Default != nil {
					vector.Set(spec.Name, *spec.Default)
					continue
				}
				return nil, &domain.SchemaError{
					Field:  spec.Name,
					Reason: fmt.Sprintf("expression evaluation failed: %v", err),
				}
			}
			vector.Set(spec.Name, toValue(out))
		}
	}

	return vector, nil
}

// fetchHistory looks up behavioral aggregates within the lookup timeout.
// Reports degraded=true when the lookup failed and zeros were substituted.
func (b *Builder) fetchHistory(ctx context.Context, tx *domain.Transaction) (*domain.EntityHistory, bool) {
	if b.lookup == nil {
		return &domain.EntityHistory{}, true
	}

	lookupCtx, cancel := context.WithTimeout(ctx, b.lookupTimeout)
	defer cancel()

	hist, err := b.lookup.History(lookupCtx, tx.UserID, tx.DeviceID)
	if err != nil || hist == nil {
		b.logger.Warn("history lookup failed, using defaults",
			"tx_id", tx.ID,
			"user_id", tx.UserID,
			"error", err)
		return &domain.EntityHistory{}, true
	}

	return hist, false
}

func validateTransaction(tx *domain.Transaction) error {
	if tx == nil {
		return &domain.SchemaError{Reason: "transaction is required"}
	}
	if tx.ID == "" {
		return &domain.SchemaError{Field: "id", Reason: "required field is empty"}
	}
	if tx.UserID == "" {
		return &domain.SchemaError{Field: "user_id", Reason: "required field is empty"}
	}
	if tx.Timestamp.IsZero() {
		return &domain.SchemaError{Field: "timestamp", Reason: "required field is empty"}
	}
	if math.IsNaN(tx.Amount) || math.IsInf(tx.Amount, 0) {
		return &domain.SchemaError{Field: "amount", Reason: "value is not finite"}
	}
	if tx.Amount < 0 {
		return &domain.SchemaError{Field: "amount", Reason: "value is negative"}
	}
	return nil
}

func transactionField(tx *domain.Transaction, field string) (float64, bool) {
	switch field {
	case "amount":
		return tx.Amount, true
	case "hour_of_day":
		if tx.Timestamp.IsZero() {
			return 0, true
		}
		return float64(tx.Timestamp.UTC().Hour()), true
	default:
		return 0, false
	}
}

func historyField(hist *domain.EntityHistory, field string) (float64, bool) {
	switch field {
	case "tx_count_1h":
		return float64(hist.UserTxCount1h), true
	case "tx_count_24h":
		return float64(hist.UserTxCount24h), true
	case "avg_amount_30d":
		return hist.UserAvgAmount, true
	case "device_tx_count":
		return float64(hist.DeviceTxCount), true
	case "known_device":
		if hist.KnownDevice {
			return 1.0, true
		}
		return 0.0, true
	default:
		return 0, false
	}
}

func buildActivation(tx *domain.Transaction, hist *domain.EntityHistory) map[string]any {
	return map[string]any{
		"tx": map[string]any{
			"id":                tx.ID,
			"user_id":           tx.UserID,
			"amount":            tx.Amount,
			"merchant":          tx.Merchant,
			"merchant_category": tx.MerchantCategory,
			"location":          tx.Location,
			"device_id":         tx.DeviceID,
			"ip_address":        tx.IPAddress,
		},
		"amount":            tx.Amount,
		"hour_of_day":       int64(tx.Timestamp.UTC().Hour()),
		"user_id":           tx.UserID,
		"merchant":          tx.Merchant,
		"merchant_category": tx.MerchantCategory,
		"location":          tx.Location,
		"device_id":         tx.DeviceID,
		"ip_address":        tx.IPAddress,
		"tx_count_1h":       hist.UserTxCount1h,
		"tx_count_24h":      hist.UserTxCount24h,
		"avg_amount_30d":    hist.UserAvgAmount,
		"device_tx_count":   hist.DeviceTxCount,
		"known_device":      hist.KnownDevice,
	}
}

// toValue converts a CEL result to a feature value.
func toValue(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}
