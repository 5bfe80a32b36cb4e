package domain

import (
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Scoring pipeline settings
	Pipeline PipelineConfig `json:"pipeline"`

	// Alert delivery
	Delivery DeliveryConfig `json:"delivery"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// PipelineConfig holds the externally supplied tuning for the scoring and
// explanation pipeline. All of it is consumed, not owned: thresholds and
// cutoffs are recomputed offline and injected at deploy time.
type PipelineConfig struct {
	// ModelDir is scanned for *.json model artifacts at startup. Artifacts
	// registered via the API are persisted to the repository instead.
	ModelDir string `json:"modelDir"`

	// DefaultModelVersion is the version served when a request pins none.
	DefaultModelVersion string `json:"defaultModelVersion"`

	// TopK bounds the attribution entries in external payloads (1-20).
	TopK int `json:"topK"`

	// AttributionTolerance is the completeness check tolerance.
	AttributionTolerance float64 `json:"attributionTolerance"`

	// PerturbationSamples bounds coalition sampling for the model-agnostic
	// explainer when exhaustive enumeration is too large.
	PerturbationSamples int `json:"perturbationSamples"`

	// Thresholds maps model version to alert threshold. DefaultThreshold
	// applies to versions without an entry.
	Thresholds       map[string]float64 `json:"thresholds"`
	DefaultThreshold float64            `json:"defaultThreshold"`

	// SuppressionWindow is how long a dedup key stays suppressed after an
	// alert is raised.
	SuppressionWindow time.Duration `json:"suppressionWindow"`

	// DedupKeyFields names the transaction fields joined into the dedup key.
	// Recognized: user_id, merchant, merchant_category, device_id, ip_address.
	DedupKeyFields []string `json:"dedupKeyFields"`

	// LookupTimeout bounds each feature-context lookup.
	LookupTimeout time.Duration `json:"lookupTimeout"`

	// LabelBands maps score ranges to categorical labels. The mapping is
	// deliberately explicit configuration, not a fixed cutoff.
	LabelBands []LabelBand `json:"labelBands"`
}

// LabelBand maps a score range to a label. Lower inclusive, upper exclusive;
// a nil upper bound means no limit.
type LabelBand struct {
	LowerLimit *float64 `json:"lowerLimit,omitempty"`
	UpperLimit *float64 `json:"upperLimit,omitempty"`
	Label      string   `json:"label"`
}

// DeliveryConfig holds outbound alert delivery settings.
type DeliveryConfig struct {
	// WebhookURL receives raised alerts via HTTP POST when set.
	WebhookURL string `json:"webhookUrl"`

	// WebhookTimeout bounds a single delivery attempt.
	WebhookTimeout time.Duration `json:"webhookTimeout"`

	// RecommendBlockAt is the score at or above which the recommended action
	// becomes "block" instead of "review".
	RecommendBlockAt float64 `json:"recommendBlockAt"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp
	Endpoint     string `json:"endpoint"`
}

// DefaultConfig returns the default single-node configuration:
// SQLite repository, in-process LRU cache, channel event bus.
func DefaultConfig() *Config {
	low, elevated, high := 0.0, 0.5, 0.8
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Pipeline: PipelineConfig{
			TopK:                 5,
			AttributionTolerance: 1e-3,
			PerturbationSamples:  2048,
			DefaultThreshold:     0.8,
			SuppressionWindow:    60 * time.Second,
			DedupKeyFields:       []string{"user_id", "merchant"},
			LookupTimeout:        150 * time.Millisecond,
			LabelBands: []LabelBand{
				{LowerLimit: &low, UpperLimit: &elevated, Label: "low_risk"},
				{LowerLimit: &elevated, UpperLimit: &high, Label: "elevated"},
				{LowerLimit: &high, Label: "suspicious"},
			},
		},
		Delivery: DeliveryConfig{
			WebhookTimeout:   5 * time.Second,
			RecommendBlockAt: 0.95,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// DistributedConfig returns a configuration for multi-node deployments:
// PostgreSQL repository, two-phase Redis cache, NATS event bus.
func DistributedConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
