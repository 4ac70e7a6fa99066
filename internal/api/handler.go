package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/orchestrator"
	"github.com/opensource-finance/merlin/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	service *orchestrator.Service
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, service *orchestrator.Service, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		service: service,
		version: version,
	}
}

// RegisterResponse is the response for POST /rulepacks.
type RegisterResponse struct {
	RulepackID    string    `json:"rulepackId"`
	Jurisdiction  string    `json:"jurisdiction"`
	FilingType    string    `json:"filingType"`
	Version       string    `json:"version"`
	ContentHash   string    `json:"contentHash"`
	Status        string    `json:"status"`
	EffectiveFrom time.Time `json:"effectiveFrom"`
	RuleCount     int       `json:"ruleCount"`
	CalcCount     int       `json:"calcCount"`
}

// RegisterRulepack handles POST /rulepacks. Compile failures return
// the complete issue list so authors fix everything in one round trip.
func (h *Handler) RegisterRulepack(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var doc domain.RulepackDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	pack, err := h.service.Register(ctx, tenantID, &doc)
	if err != nil {
		var ce *domain.CompileError
		switch {
		case errors.As(err, &ce):
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "rulepack failed to compile",
				"issues": ce.Issues,
			})
		case errors.Is(err, domain.ErrVersionConflict):
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": "version already registered for this jurisdiction and filing type",
			})
		default:
			slog.Error("failed to register rulepack", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to register rulepack",
			})
		}
		return
	}

	writeJSON(w, http.StatusCreated, RegisterResponse{
		RulepackID:    pack.ID,
		Jurisdiction:  pack.Jurisdiction,
		FilingType:    pack.FilingType,
		Version:       pack.Version,
		ContentHash:   pack.ContentHash,
		Status:        string(pack.Status),
		EffectiveFrom: pack.EffectiveFrom,
		RuleCount:     len(pack.Rules),
		CalcCount:     len(pack.Calculations),
	})
}

// ListRulepacks handles GET /rulepacks?jurisdiction=uk&filingType=vat-return.
func (h *Handler) ListRulepacks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jurisdiction := r.URL.Query().Get("jurisdiction")
	filingType := r.URL.Query().Get("filingType")

	if jurisdiction == "" || filingType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "jurisdiction and filingType query parameters are required",
		})
		return
	}

	packs, err := h.repo.ListRulepacks(ctx, jurisdiction, filingType)
	if err != nil {
		slog.Error("failed to list rulepacks", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list rulepacks",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rulepacks": packs,
		"count":     len(packs),
	})
}

// GetRulepack handles GET /rulepacks/{id}.
func (h *Handler) GetRulepack(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	packID := chi.URLParam(r, "id")

	pack, err := h.repo.GetRulepackByID(ctx, packID)
	if err != nil {
		if errors.Is(err, domain.ErrRulepackNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "rulepack not found",
			})
			return
		}
		slog.Error("failed to get rulepack", "id", packID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get rulepack",
		})
		return
	}

	writeJSON(w, http.StatusOK, pack)
}

// ResolveActive handles GET /rulepacks/resolve?jurisdiction=uk&filingType=vat-return&asOf=2024-06-30.
func (h *Handler) ResolveActive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jurisdiction := r.URL.Query().Get("jurisdiction")
	filingType := r.URL.Query().Get("filingType")

	if jurisdiction == "" || filingType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "jurisdiction and filingType query parameters are required",
		})
		return
	}

	asOf := time.Now().UTC()
	if raw := r.URL.Query().Get("asOf"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "asOf must be a YYYY-MM-DD date",
			})
			return
		}
		asOf = parsed
	}

	pack, err := h.repo.ResolveActive(ctx, jurisdiction, filingType, asOf)
	if err != nil {
		if errors.Is(err, domain.ErrRulepackNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "no active rulepack for the given date",
			})
			return
		}
		slog.Error("failed to resolve active rulepack", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to resolve active rulepack",
		})
		return
	}

	writeJSON(w, http.StatusOK, pack)
}

// StatusRequest is the request body for status transitions.
type StatusRequest struct {
	Status domain.RulepackStatus `json:"status"`
}

// SetStatus handles PUT /rulepacks/{jurisdiction}/{filingType}/{version}/status.
// Versions are immutable; status is the only mutable column.
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jurisdiction := chi.URLParam(r, "jurisdiction")
	filingType := chi.URLParam(r, "filingType")
	version := chi.URLParam(r, "version")

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	switch req.Status {
	case domain.StatusDraft, domain.StatusActive, domain.StatusRetired:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "status must be draft, active or retired",
		})
		return
	}

	if err := h.repo.SetStatus(ctx, jurisdiction, filingType, version, req.Status); err != nil {
		if errors.Is(err, domain.ErrRulepackNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "rulepack version not found",
			})
			return
		}
		slog.Error("failed to set rulepack status", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to set rulepack status",
		})
		return
	}

	slog.Info("rulepack status changed",
		"jurisdiction", jurisdiction,
		"filing_type", filingType,
		"version", version,
		"status", req.Status,
	)

	writeJSON(w, http.StatusOK, map[string]string{
		"jurisdiction": jurisdiction,
		"filingType":   filingType,
		"version":      version,
		"status":       string(req.Status),
	})
}

// EvaluateRequest is the request body for POST /evaluate. RulepackID
// pins a specific version; otherwise the active version for the
// filing's period end is resolved.
type EvaluateRequest struct {
	Jurisdiction string                    `json:"jurisdiction,omitempty"`
	FilingType   string                    `json:"filingType,omitempty"`
	RulepackID   string                    `json:"rulepackId,omitempty"`
	Context      *domain.EvaluationContext `json:"context"`
}

// Evaluate handles POST /evaluate requests synchronously.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Context == nil || req.Context.Data == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "context.data is required",
		})
		return
	}
	if req.RulepackID == "" && (req.Jurisdiction == "" || req.FilingType == "") {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "either rulepackId or jurisdiction and filingType are required",
		})
		return
	}
	if req.Context.TenantID == "" {
		req.Context.TenantID = tenantID
	}

	var (
		result *domain.EvaluationResult
		err    error
	)
	if req.RulepackID != "" {
		result, err = h.service.EvaluateWithRulepack(ctx, req.RulepackID, req.Context)
	} else {
		result, err = h.service.Evaluate(ctx, req.Jurisdiction, req.FilingType, req.Context)
	}
	if err != nil {
		if errors.Is(err, domain.ErrRulepackNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "no rulepack found for the request",
			})
			return
		}
		slog.Error("evaluation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "evaluation failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// EvaluateAsync handles POST /evaluate/async by enqueuing the request
// on the event bus. The worker publishes the outcome on the completed
// or failed topic. With ?wait=true the handler instead blocks on a
// bus request-reply and returns the worker's outcome directly.
func (h *Handler) EvaluateAsync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Context == nil || req.Context.Data == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "context.data is required",
		})
		return
	}
	if req.Context.TenantID == "" {
		req.Context.TenantID = tenantID
	}

	requestID := uuid.New().String()
	payload, _ := json.Marshal(worker.EvaluationRequest{
		RequestID:    requestID,
		Jurisdiction: req.Jurisdiction,
		FilingType:   req.FilingType,
		RulepackID:   req.RulepackID,
		Context:      req.Context,
	})

	// wait=true runs request-reply over the bus: the caller blocks for
	// the worker's outcome instead of polling the completed topic.
	if r.URL.Query().Get("wait") == "true" {
		reply, err := h.bus.Request(ctx, tenantID, domain.TopicEvaluationRequested, payload)
		if err != nil {
			slog.Error("evaluation request over bus failed", "request_id", requestID, "error", err)
			writeJSON(w, http.StatusGatewayTimeout, map[string]string{
				"error": "no evaluation worker answered",
			})
			return
		}
		var outcome worker.EvaluationOutcome
		if err := json.Unmarshal(reply, &outcome); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "malformed evaluation outcome",
			})
			return
		}
		if outcome.Error != "" {
			writeJSON(w, http.StatusUnprocessableEntity, outcome)
			return
		}
		writeJSON(w, http.StatusOK, outcome)
		return
	}

	if err := h.bus.Publish(ctx, tenantID, domain.TopicEvaluationRequested, payload); err != nil {
		slog.Error("failed to enqueue evaluation request", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to enqueue evaluation request",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"requestId": requestID,
		"status":    "queued",
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

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

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
