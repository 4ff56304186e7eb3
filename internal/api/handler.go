package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/pipeline"
	"github.com/opensource-finance/heron/internal/rules"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Invalidator drops cached reference lookups after a reference table changes.
type Invalidator interface {
	Invalidate()
}

// Deps are the collaborators the handlers use. Bus, Cache and RefCache may
// be nil.
type Deps struct {
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Rules    *rules.Registry
	Service  *pipeline.Service
	RefCache Invalidator
	Version  string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	rules    *rules.Registry
	service  *pipeline.Service
	refCache Invalidator
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		repo:     d.Repo,
		cache:    d.Cache,
		bus:      d.Bus,
		rules:    d.Rules,
		service:  d.Service,
		refCache: d.RefCache,
		version:  d.Version,
	}
}

// CreateRequestResponse is the response for POST /requests.
type CreateRequestResponse struct {
	ID         string               `json:"id"`
	Status     domain.RequestStatus `json:"status"`
	Candidates int                  `json:"candidates"`
}

// CreateRequest stores a parsed correction request.
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.Request
	if !decode(w, r, &req) {
		return
	}
	if err := validateRequest(&req); err != nil {
		writeError(w, err)
		return
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	} else if _, err := h.repo.GetRequest(ctx, tenantID, req.ID); err == nil {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": fmt.Sprintf("request %s already exists", req.ID),
			"code":  domain.CodeStateConflict,
		})
		return
	} else if !errors.Is(err, domain.ErrNotFound) {
		writeError(w, err)
		return
	}
	req.Status = domain.StatusParsed

	if err := h.repo.SaveRequest(ctx, tenantID, &req); err != nil {
		slog.Error("failed to save request", "request_id", req.ID, "error", err)
		writeError(w, err)
		return
	}

	slog.Info("request created",
		"tenant_id", tenantID,
		"request_id", req.ID,
		"candidates", len(req.Candidates),
	)
	writeJSON(w, http.StatusCreated, CreateRequestResponse{
		ID:         req.ID,
		Status:     req.Status,
		Candidates: len(req.Candidates),
	})
}

func validateRequest(req *domain.Request) error {
	switch req.Taxpayer.TaxType {
	case domain.TaxTypeCorporate, domain.TaxTypeIncome, domain.TaxTypeIncomeFaithful:
	default:
		return fmt.Errorf("%w: unknown tax type %q", domain.ErrInvalidInput, req.Taxpayer.TaxType)
	}
	if req.Filing.TaxYear <= 0 {
		return fmt.Errorf("%w: filing.taxYear is required", domain.ErrInvalidInput)
	}
	if req.Filing.ComputedTax < 0 || req.Filing.DeterminedTax < 0 || req.Filing.PaidTax < 0 {
		return fmt.Errorf("%w: filing amounts must not be negative", domain.ErrInvalidInput)
	}
	for i, c := range req.Candidates {
		if c.Header().ItemID == "" {
			return fmt.Errorf("%w: candidate %d has no itemId", domain.ErrInvalidInput, i)
		}
	}
	return nil
}

// GetRequest retrieves a request by ID.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := h.repo.GetRequest(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// QueuedResponse is the response for an async analysis.
type QueuedResponse struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	TraceID   string `json:"traceId"`
}

// Analyze runs the optimization for a stored request. With ?async=true the
// job is queued on the event bus and 202 is returned.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	requestID := chi.URLParam(r, "id")

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async {
		h.enqueue(w, r, tenantID, requestID)
		return
	}

	a, err := h.service.Run(ctx, tenantID, requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Summary())
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, tenantID, requestID string) {
	ctx := r.Context()
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	req, err := h.repo.GetRequest(ctx, tenantID, requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Status != domain.StatusParsed {
		writeError(w, &domain.StateConflictError{RequestID: req.ID, Status: req.Status, Expected: domain.StatusParsed})
		return
	}

	traceID := GetTraceID(ctx)
	payload, _ := json.Marshal(domain.AnalysisJob{
		RequestID: requestID,
		TenantID:  tenantID,
		TraceID:   traceID,
	})
	if err := h.bus.Publish(ctx, tenantID, domain.TopicAnalysisRequested, payload); err != nil {
		slog.Error("failed to queue analysis", "request_id", requestID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to queue analysis",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, QueuedResponse{
		RequestID: requestID,
		Status:    "queued",
		TraceID:   traceID,
	})
}

// GetAnalysis retrieves an analysis by ID.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, err := h.repo.GetAnalysis(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetAnalysisTrace returns the calculation log saved with an analysis.
func (h *Handler) GetAnalysisTrace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	if _, err := h.repo.GetAnalysis(ctx, tenantID, id); err != nil {
		writeError(w, err)
		return
	}
	events, err := h.repo.ListTraceEvents(ctx, tenantID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"analysisId": id,
		"events":     events,
		"count":      len(events),
	})
}

// ListExclusionRules returns the stored exclusion rules, filtered to one tax
// year with ?year=.
func (h *Handler) ListExclusionRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	year := 0
	if v := r.URL.Query().Get("year"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w: year must be a positive integer", domain.ErrInvalidInput))
			return
		}
		year = n
	}

	all, err := h.repo.ListExclusionRules(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]domain.ExclusionRule, 0, len(all))
	for _, rule := range all {
		if year == 0 || rule.ActiveIn(year) {
			out = append(out, rule)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": out,
		"count": len(out),
	})
}

// CreateExclusionRule stores an exclusion rule. Reference data is shared by
// every tenant, and cached lookups are dropped once the rule is saved.
func (h *Handler) CreateExclusionRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rule domain.ExclusionRule
	if !decode(w, r, &rule) {
		return
	}

	if rule.Condition != "" {
		eng, err := h.rules.Engine(ctx, GetTenantID(ctx))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := eng.ValidateCondition(rule.Condition); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid CEL condition: " + err.Error(),
			})
			return
		}
	}

	if err := h.repo.SaveExclusionRule(ctx, rule); err != nil {
		writeError(w, err)
		return
	}
	if h.refCache != nil {
		h.refCache.Invalidate()
	}

	slog.Info("exclusion rule saved",
		"id", rule.ID,
		"provision_a", rule.ProvisionA,
		"provision_b", rule.ProvisionB,
	)
	writeJSON(w, http.StatusCreated, rule)
}

// ListEligibilityRules returns the tenant's stored rules and how many are
// loaded in its engine.
func (h *Handler) ListEligibilityRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	stored, err := h.repo.ListEligibilityRules(ctx, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	eng, err := h.rules.Engine(ctx, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  stored,
		"count":  len(stored),
		"loaded": eng.RulesCount(),
	})
}

// CreateEligibilityRule validates and stores a rule. It takes effect after
// POST /eligibility-rules/reload.
func (h *Handler) CreateEligibilityRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var rule domain.EligibilityRule
	if !decode(w, r, &rule) {
		return
	}
	if rule.ID == "" || rule.Provision == "" || rule.Expression == "" {
		writeError(w, fmt.Errorf("%w: id, provision and expression are required", domain.ErrInvalidInput))
		return
	}

	eng, err := h.rules.Engine(ctx, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := eng.ValidateRule(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveEligibilityRule(ctx, tenantID, &rule); err != nil {
		slog.Error("failed to save eligibility rule", "id", rule.ID, "error", err)
		writeError(w, err)
		return
	}

	slog.Info("eligibility rule saved", "tenant_id", tenantID, "id", rule.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule saved. Call POST /eligibility-rules/reload to apply changes.",
	})
}

// ReloadEligibilityRules rebuilds the tenant's rule engine from the database.
func (h *Handler) ReloadEligibilityRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	n, err := h.rules.Reload(ctx, tenantID)
	if err != nil {
		slog.Error("failed to reload eligibility rules", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("eligibility rules reloaded", "tenant_id", tenantID, "count", n)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   n,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(ctx) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(ctx) })
	}
	if h.bus != nil {
		check("bus", func() error { return h.bus.Ping(ctx) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// decode reads a JSON body. It writes a 400 and returns false on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body: " + err.Error(),
		})
		return false
	}
	return true
}

// statusOf maps an error to its HTTP status. Invalid input is checked before
// the calculation error that may wrap it.
func statusOf(err error) int {
	var (
		conflict *domain.StateConflictError
		hardFail *domain.HardFailError
		expired  *domain.ClaimExpiredError
		timeout  *domain.TimeoutError
		calc     *domain.CalculationError
	)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.As(err, &conflict), errors.Is(err, domain.ErrStateConflict):
		return http.StatusConflict
	case errors.As(err, &hardFail), errors.As(err, &expired):
		return http.StatusUnprocessableEntity
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &calc):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// writeError writes the error with its message code. Typed errors carry
// their structured detail.
func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	body := map[string]any{"error": err.Error()}
	if code := domain.ErrorCode(err); code != "" {
		body["code"] = code
	}

	var (
		hardFail *domain.HardFailError
		expired  *domain.ClaimExpiredError
		conflict *domain.StateConflictError
	)
	switch {
	case errors.As(err, &hardFail):
		body["blockedItems"] = hardFail.BlockedItems
	case errors.As(err, &expired):
		body["deadline"] = expired.Deadline.Format("2006-01-02")
	case errors.As(err, &conflict):
		body["status"] = conflict.Status
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
