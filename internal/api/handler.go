package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	pipeline *pipeline.Pipeline
	registry *model.Registry
	builder  *features.Builder
	repo     domain.Repository
	cache    domain.Cache
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(p *pipeline.Pipeline, registry *model.Registry, builder *features.Builder, repo domain.Repository, cache domain.Cache, version string) *Handler {
	return &Handler{
		pipeline: p,
		registry: registry,
		builder:  builder,
		repo:     repo,
		cache:    cache,
		version:  version,
	}
}

// Evaluate handles POST /evaluate requests.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "userId is required",
		})
		return
	}
	if req.Amount < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "amount must not be negative",
		})
		return
	}

	tx := req.ToTransaction(uuid.New().String())

	resp, err := h.pipeline.Evaluate(ctx, tx, req.ModelVersion)
	if err != nil {
		h.writeEvaluateError(w, tx.ID, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeEvaluateError maps pipeline errors to HTTP status codes. Schema
// problems are the caller's fault; a missing model means the service
// cannot currently serve and should be retried after a reload.
func (h *Handler) writeEvaluateError(w http.ResponseWriter, txID string, err error) {
	var schemaErr *domain.SchemaError
	if errors.As(err, &schemaErr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":        "schema mismatch",
			"detail":       schemaErr.Error(),
			"missing":      schemaErr.Missing,
			"unexpected":   schemaErr.Extra,
			"modelVersion": schemaErr.ModelVersion,
		})
		return
	}

	var notLoaded *domain.ModelNotLoadedError
	if errors.As(err, &notLoaded) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":  "model not loaded",
			"detail": notLoaded.Error(),
		})
		return
	}

	slog.Error("evaluation failed", "tx_id", txID, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error": "evaluation failed",
	})
}

// GetEvaluation retrieves the stored explanation payload for a transaction.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	audit, err := h.repo.GetAudit(ctx, txID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "evaluation not found",
			})
			return
		}
		slog.Error("failed to get evaluation", "tx_id", txID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get evaluation",
		})
		return
	}

	// The payload is returned exactly as persisted
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(audit.Payload)
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	tx, err := h.repo.GetTransaction(ctx, txID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "transaction not found",
			})
			return
		}
		slog.Error("failed to get transaction", "tx_id", txID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get transaction",
		})
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// ListAlerts returns audit records for alerts raised in the lookback window.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "since must be RFC3339",
			})
			return
		}
		since = parsed
	}

	alerts, err := h.repo.ListRaisedAlerts(ctx, since)
	if err != nil {
		slog.Error("failed to list alerts", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list alerts",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
		"since":  since,
	})
}

// ListModels returns loaded model versions and the current default.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": h.registry.Versions(),
		"current":  h.registry.CurrentVersion(),
	})
}

// CreateModel registers a new model artifact: validated, loaded into the
// registry, and persisted for future restarts.
func (h *Handler) CreateModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	m, err := h.registry.Load(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":  "invalid model artifact",
			"detail": err.Error(),
		})
		return
	}

	if h.repo != nil {
		rec := &domain.ModelArtifactRecord{
			Version:   m.Version(),
			Kind:      m.Kind(),
			Artifact:  raw,
			CreatedAt: time.Now().UTC(),
		}
		if err := h.repo.SaveModelArtifact(ctx, rec); err != nil {
			slog.Error("failed to persist model artifact", "version", m.Version(), "error", err)
		}
	}

	// The first model also fixes the feature schema
	if h.registry.CurrentVersion() == m.Version() {
		h.adoptSchema(m)
	}

	slog.Info("model registered", "version", m.Version(), "kind", m.Kind())
	writeJSON(w, http.StatusCreated, map[string]string{
		"version": m.Version(),
		"kind":    m.Kind(),
	})
}

// PromoteModel makes a loaded version the default.
func (h *Handler) PromoteModel(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")

	if err := h.registry.SetCurrent(version); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":  "model not loaded",
			"detail": err.Error(),
		})
		return
	}

	if m, err := h.registry.Get(version); err == nil {
		h.adoptSchema(m)
	}

	slog.Info("model promoted", "version", version)
	writeJSON(w, http.StatusOK, map[string]string{
		"current": version,
	})
}

// ReloadModels re-reads persisted artifacts into the registry.
func (h *Handler) ReloadModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := pipeline.LoadModels(ctx, h.repo, h.registry, "", slog.Default()); err != nil {
		slog.Error("model reload failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "model reload failed",
		})
		return
	}

	if m, err := h.registry.Current(); err == nil {
		h.adoptSchema(m)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"versions": h.registry.Versions(),
		"current":  h.registry.CurrentVersion(),
	})
}

// adoptSchema points the feature builder at the model's declared schema.
func (h *Handler) adoptSchema(m model.Model) {
	if h.builder == nil {
		return
	}
	if err := h.builder.SetSchema(m.Schema()); err != nil {
		slog.Error("failed to adopt model schema", "version", m.Version(), "error", err)
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server can score traffic: it needs at least
// one loaded model.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.registry.Len() == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready":  "false",
			"reason": "no model loaded",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
