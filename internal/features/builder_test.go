package features

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type stubLookup struct {
	hist  *domain.EntityHistory
	err   error
	delay time.Duration
}

func (s *stubLookup) History(ctx context.Context, userID, deviceID string) (*domain.EntityHistory, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.hist, s.err
}

func testTransaction() *domain.Transaction {
	return &domain.Transaction{
		ID:               "tx-001",
		UserID:           "user-001",
		Amount:           1250.00,
		Merchant:         "acme-electronics",
		MerchantCategory: "electronics",
		Location:         "US-CA",
		DeviceID:         "device-001",
		Timestamp:        time.Date(2024, 3, 15, 3, 30, 0, 0, time.UTC),
	}
}

func TestBuilderDefaultSchema(t *testing.T) {
	lookup := &stubLookup{
		hist: &domain.EntityHistory{
			UserTxCount1h:  2,
			UserTxCount24h: 8,
			UserAvgAmount:  250.00,
			DeviceTxCount:  5,
			KnownDevice:    true,
		},
	}

	builder, err := NewBuilder(DefaultSchema(), lookup, 150*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("failed to create builder: %v", err)
	}

	vector, err := builder.Build(context.Background(), testTransaction())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	checks := map[string]float64{
		"amount":          1250.00,
		"hour_of_day":     3,
		"tx_count_1h":     2,
		"tx_count_24h":    8,
		"amount_over_avg": 5.0,
		"new_device":      0.0,
		"night_time":      1.0,
	}
	for name, want := range checks {
		got, ok := vector.Get(name)
		if !ok {
			t.Errorf("feature %s missing from vector", name)
			continue
		}
		if got != want {
			t.Errorf("feature %s: expected %v, got %v", name, want, got)
		}
	}

	if vector.Len() != len(DefaultSchema()) {
		t.Errorf("expected %d features, got %d", len(DefaultSchema()), vector.Len())
	}
}

func TestBuilderFeatureOrder(t *testing.T) {
	builder, err := NewBuilder(DefaultSchema(), &stubLookup{hist: &domain.EntityHistory{}}, 0, nil)
	if err != nil {
		t.Fatalf("failed to create builder: %v", err)
	}

	vector, err := builder.Build(context.Background(), testTransaction())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	want := DefaultSchema().Names()
	got := vector.Names()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestBuilderValidation(t *testing.T) {
	builder, err := NewBuilder(DefaultSchema(), &stubLookup{hist: &domain.EntityHistory{}}, 0, nil)
	if err != nil {
		t.Fatalf("failed to create builder: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*domain.Transaction)
		field  string
	}{
		{"MissingID", func(tx *domain.Transaction) { tx.ID = "" }, "id"},
		{"MissingUserID", func(tx *domain.Transaction) { tx.UserID = "" }, "user_id"},
		{"ZeroTimestamp", func(tx *domain.Transaction) { tx.Timestamp = time.Time{} }, "timestamp"},
		{"NegativeAmount", func(tx *domain.Transaction) { tx.Amount = -10 }, "amount"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := testTransaction()
			tc.mutate(tx)

			_, err := builder.Build(context.Background(), tx)
			var schemaErr *domain.SchemaError
			if !errors.As(err, &schemaErr) {
				t.Fatalf("expected SchemaError, got %v", err)
			}
			if schemaErr.Field != tc.field {
				t.Errorf("expected field %s, got %s", tc.field, schemaErr.Field)
			}
		})
	}
}

func TestBuilderRequiredFields(t *testing.T) {
	t.Run("AbsentTransactionField", func(t *testing.T) {
		builder, err := NewBuilder(DefaultSchema(), &stubLookup{hist: &domain.EntityHistory{}}, 0, nil)
		if err != nil {
			t.Fatalf("failed to create builder: %v", err)
		}

		tx := testTransaction()
		tx.Amount = 0 // decoded zero, never set by the caller

		_, err = builder.Build(context.Background(), tx)
		var schemaErr *domain.SchemaError
		if !errors.As(err, &schemaErr) {
			t.Fatalf("expected SchemaError for absent required field, got %v", err)
		}
		if schemaErr.Field != "amount" {
			t.Errorf("expected field amount, got %s", schemaErr.Field)
		}
	})

	t.Run("ImputedTransactionField", func(t *testing.T) {
		def := 25.0
		schema := Schema{
			{Name: "amount", Source: SourceTransaction, Field: "amount", Required: true, Default: &def},
		}
		builder, err := NewBuilder(schema, &stubLookup{hist: &domain.EntityHistory{}}, 0, nil)
		if err != nil {
			t.Fatalf("failed to create builder: %v", err)
		}

		tx := testTransaction()
		tx.Amount = 0

		vector, err := builder.Build(context.Background(), tx)
		if err != nil {
			t.Fatalf("declared imputation must apply, got error: %v", err)
		}
		if got, _ := vector.Get("amount"); got != 25.0 {
			t.Errorf("expected imputed 25.0, got %v", got)
		}
	})

	t.Run("RequiredHistoryUnavailable", func(t *testing.T) {
		schema := Schema{
			{Name: "tx_count_1h", Source: SourceHistory, Field: "tx_count_1h", Required: true},
		}
		lookup := &stubLookup{err: errors.New("store unavailable")}
		builder, err := NewBuilder(schema, lookup, 150*time.Millisecond, nil)
		if err != nil {
			t.Fatalf("failed to create builder: %v", err)
		}

		_, err = builder.Build(context.Background(), testTransaction())
		var schemaErr *domain.SchemaError
		if !errors.As(err, &schemaErr) {
			t.Fatalf("expected SchemaError when required history is unavailable, got %v", err)
		}
		if schemaErr.Field != "tx_count_1h" {
			t.Errorf("expected field tx_count_1h, got %s", schemaErr.Field)
		}
	})

	t.Run("RequiredHistoryWithDefault", func(t *testing.T) {
		def := 3.0
		schema := Schema{
			{Name: "tx_count_1h", Source: SourceHistory, Field: "tx_count_1h", Required: true, Default: &def},
		}
		lookup := &stubLookup{err: errors.New("store unavailable")}
		builder, err := NewBuilder(schema, lookup, 150*time.Millisecond, nil)
		if err != nil {
			t.Fatalf("failed to create builder: %v", err)
		}

		vector, err := builder.Build(context.Background(), testTransaction())
		if err != nil {
			t.Fatalf("default must cover the degraded lookup, got error: %v", err)
		}
		if got, _ := vector.Get("tx_count_1h"); got != 3.0 {
			t.Errorf("expected default 3.0, got %v", got)
		}
	})
}

func TestBuilderLookupTimeout(t *testing.T) {
	def := 1.0
	schema := Schema{
		{Name: "amount", Source: SourceTransaction, Field: "amount", Required: true},
		{Name: "tx_count_1h", Source: SourceHistory, Field: "tx_count_1h", Default: &def},
		{Name: "tx_count_24h", Source: SourceHistory, Field: "tx_count_24h"},
	}

	lookup := &stubLookup{
		hist:  &domain.EntityHistory{UserTxCount1h: 99, UserTxCount24h: 99},
		delay: 500 * time.Millisecond,
	}

	builder, err := NewBuilder(schema, lookup, 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("failed to create builder: %v", err)
	}

	vector, err := builder.Build(context.Background(), testTransaction())
	if err != nil {
		t.Fatalf("Build should degrade on slow lookup, got error: %v", err)
	}

	// Slow lookup falls back to the declared default, or zero without one
	if got, _ := vector.Get("tx_count_1h"); got != 1.0 {
		t.Errorf("expected default 1.0 for tx_count_1h, got %v", got)
	}
	if got, _ := vector.Get("tx_count_24h"); got != 0.0 {
		t.Errorf("expected zero fallback for tx_count_24h, got %v", got)
	}
}

func TestBuilderLookupError(t *testing.T) {
	lookup := &stubLookup{err: errors.New("store unavailable")}

	builder, err := NewBuilder(DefaultSchema(), lookup, 150*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("failed to create builder: %v", err)
	}

	vector, err := builder.Build(context.Background(), testTransaction())
	if err != nil {
		t.Fatalf("Build should degrade on lookup error, got: %v", err)
	}
	if got, _ := vector.Get("tx_count_24h"); got != 0 {
		t.Errorf("expected zero history fallback, got %v", got)
	}
	// new_device treats missing history as unknown device
	if got, _ := vector.Get("new_device"); got != 1.0 {
		t.Errorf("expected new_device 1.0 on missing history, got %v", got)
	}
}

func TestSetSchemaRejectsBadSpecs(t *testing.T) {
	builder, err := NewBuilder(DefaultSchema(), &stubLookup{hist: &domain.EntityHistory{}}, 0, nil)
	if err != nil {
		t.Fatalf("failed to create builder: %v", err)
	}

	cases := []struct {
		name   string
		schema Schema
	}{
		{"UnknownTransactionField", Schema{{Name: "x", Source: SourceTransaction, Field: "nope"}}},
		{"UnknownHistoryField", Schema{{Name: "x", Source: SourceHistory, Field: "nope"}}},
		{"UnknownSource", Schema{{Name: "x", Source: "csv"}}},
		{"BadExpression", Schema{{Name: "x", Source: SourceExpr, Expr: "amount +"}}},
		{"NonNumericExpression", Schema{{Name: "x", Source: SourceExpr, Expr: "merchant"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := builder.SetSchema(tc.schema); err == nil {
				t.Error("expected schema rejection")
			}
		})
	}

	// Rejected schema must not replace the active one
	if got := len(builder.Schema()); got != len(DefaultSchema()) {
		t.Errorf("active schema changed after rejection: %d specs", got)
	}
}

func TestBuilderDeterminism(t *testing.T) {
	lookup := &stubLookup{
		hist: &domain.EntityHistory{UserTxCount1h: 3, UserAvgAmount: 100},
	}
	builder, err := NewBuilder(DefaultSchema(), lookup, 150*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("failed to create builder: %v", err)
	}

	first, err := builder.Build(context.Background(), testTransaction())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	second, err := builder.Build(context.Background(), testTransaction())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	for _, name := range first.Names() {
		a, _ := first.Get(name)
		b, _ := second.Get(name)
		if a != b {
			t.Errorf("feature %s not deterministic: %v vs %v", name, a, b)
		}
	}
}
