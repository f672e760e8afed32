package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/audit"
	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/compliance"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/dispatch"
	"github.com/lalithlochan/courier/internal/ingest"
	"github.com/lalithlochan/courier/internal/leads"
	"github.com/lalithlochan/courier/internal/lock"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/transport"
)

// LeadStore loads leads for evaluation and sends.
type LeadStore interface {
	GetLead(ctx context.Context, tenantID, leadID uuid.UUID) (*db.Lead, error)
}

// Gate is the compliance engine as seen by the API.
type Gate interface {
	Evaluate(ctx context.Context, channel string, lead *db.Lead, intent compliance.SendIntent) (compliance.Decision, error)
	RecordSend(ctx context.Context, d compliance.Decision, at time.Time) error
	ReportQualityScore(ctx context.Context, tenantID uuid.UUID, score float64) (compliance.TierChange, error)
}

type Jobs interface {
	Enqueue(ctx context.Context, req dispatch.EnqueueRequest) (*dispatch.EnqueueResult, error)
	Get(ctx context.Context, id uuid.UUID) (*db.ScheduledJob, error)
	Cancel(ctx context.Context, id uuid.UUID) error
}

type Assigner interface {
	AssignLeadToAgent(ctx context.Context, tenantID, leadID, agentID uuid.UUID) (*db.Lead, error)
}

type Inbound interface {
	Handle(ctx context.Context, ev ingest.InboundEvent) error
}

type Sender interface {
	Send(ctx context.Context, channel, recipient string, msg db.JobPayload) (transport.SendResult, error)
}

// Trail is the audit log as seen by the API.
type Trail interface {
	Append(tenantID uuid.UUID, actorID, eventType, resourceID string, metadata map[string]any)
	VerifyTenant(ctx context.Context, tenantID uuid.UUID, limit int) (audit.VerifyResult, error)
	MarkAnonymized(ctx context.Context, tenantID uuid.UUID, resourceID string) (int64, error)
}

// Pinger reports backend reachability for /health.
type Pinger interface {
	Health(ctx context.Context) error
}

// Deps are the services behind the HTTP handlers.
type Deps struct {
	Leads    LeadStore
	Gate     Gate
	Jobs     Jobs
	Assigner Assigner
	Inbound  Inbound
	Sender   Sender
	Trail    Trail
	// Health is optional.
	Health      Pinger
	VerifyLimit int
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// DeniedResponse is the problem body of a send refused by policy.
type DeniedResponse struct {
	ErrorResponse
	Decision compliance.Decision `json:"decision"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	if deps.VerifyLimit <= 0 {
		deps.VerifyLimit = 10000
	}
	return &Handler{deps: deps, logger: logger, now: time.Now}
}

// EvaluateRequest asks whether a send would be allowed right now.
type EvaluateRequest struct {
	TenantID uuid.UUID             `json:"tenant_id"`
	LeadID   uuid.UUID             `json:"lead_id"`
	Channel  string                `json:"channel"`
	Intent   compliance.SendIntent `json:"intent"`
}

// SendRequest is a synchronous, compliance-gated send.
type SendRequest struct {
	TenantID uuid.UUID     `json:"tenant_id"`
	LeadID   uuid.UUID     `json:"lead_id"`
	Channel  string        `json:"channel"`
	Intent   string        `json:"intent"`
	Payload  db.JobPayload `json:"payload"`
}

// SendResponse is returned for an accepted send.
type SendResponse struct {
	ProviderMessageID string              `json:"provider_message_id"`
	Decision          compliance.Decision `json:"decision"`
}

type assignRequest struct {
	TenantID uuid.UUID `json:"tenant_id"`
	AgentID  uuid.UUID `json:"agent_id"`
}

// AssignResponse is returned for a successful assignment.
type AssignResponse struct {
	Status string   `json:"status"`
	Lead   *db.Lead `json:"lead"`
}

type qualityRequest struct {
	Score *float64 `json:"quality_score"`
}

type anonymizeRequest struct {
	TenantID   uuid.UUID `json:"tenant_id"`
	ResourceID string    `json:"resource_id"`
}

// VerifyResponse reports an audit chain check.
type VerifyResponse struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Intact   bool      `json:"intact"`
	audit.VerifyResult
}

// Evaluate handles POST /v1/compliance/evaluate. Denials are a normal
// 200 response carrying the decision.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.TenantID == uuid.Nil || req.LeadID == uuid.Nil || req.Channel == "" || req.Intent.Kind == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "tenant_id, lead_id, channel and intent.kind are required")
		return
	}

	lead, ok := h.loadLead(w, r, req.TenantID, req.LeadID)
	if !ok {
		return
	}
	d, err := h.deps.Gate.Evaluate(r.Context(), req.Channel, lead, req.Intent)
	if err != nil {
		h.logger.Error("compliance evaluation failed", zap.Error(err), zap.String("lead_id", req.LeadID.String()))
		h.writeError(w, http.StatusInternalServerError, "evaluation_error", "Failed to evaluate send", "")
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

// Send handles POST /v1/messages. The message goes out immediately if the
// engine allows it.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.TenantID == uuid.Nil || req.LeadID == uuid.Nil || req.Channel == "" || req.Intent == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "tenant_id, lead_id, channel and intent are required")
		return
	}

	lead, ok := h.loadLead(w, r, req.TenantID, req.LeadID)
	if !ok {
		return
	}
	d, err := h.deps.Gate.Evaluate(ctx, req.Channel, lead, compliance.SendIntent{Kind: req.Intent, TemplateName: req.Payload.TemplateName})
	if err != nil {
		h.logger.Error("compliance evaluation failed", zap.Error(err), zap.String("lead_id", req.LeadID.String()))
		h.writeError(w, http.StatusInternalServerError, "evaluation_error", "Failed to evaluate send", "")
		return
	}
	if denied := d.Err(); denied != nil {
		h.writeDenied(w, d)
		return
	}

	res, err := h.deps.Sender.Send(ctx, req.Channel, lead.Recipient(req.Channel), req.Payload)
	if err != nil {
		h.logger.Warn("send failed",
			zap.String("lead_id", req.LeadID.String()),
			zap.String("channel", req.Channel),
			zap.Error(err),
		)
		h.writeSendError(w, err)
		return
	}

	if err := h.deps.Gate.RecordSend(ctx, d, h.now()); err != nil {
		h.logger.Error("failed to record send budget", zap.Error(err), zap.String("lead_id", req.LeadID.String()))
	}
	h.deps.Trail.Append(req.TenantID, "api", "message.sent", req.LeadID.String(), map[string]any{
		"channel":             req.Channel,
		"intent":              req.Intent,
		"provider_message_id": res.ProviderMessageID,
	})
	h.writeJSON(w, http.StatusOK, SendResponse{ProviderMessageID: res.ProviderMessageID, Decision: d})
}

// Inbound handles POST /v1/inbound.
func (h *Handler) Inbound(w http.ResponseWriter, r *http.Request) {
	var ev ingest.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.deps.Inbound.Handle(r.Context(), ev); err != nil {
		if errors.Is(err, ingest.ErrInvalidEvent) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid inbound event", err.Error())
			return
		}
		h.logger.Error("failed to ingest event", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to record inbound event", "")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// CreateJob handles POST /v1/jobs
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req dispatch.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	res, err := h.deps.Jobs.Enqueue(r.Context(), req)
	switch {
	case errors.Is(err, dispatch.ErrInvalidJob):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid job", err.Error())
		return
	case errors.Is(err, redis.ErrDuplicateRequest):
		h.writeError(w, http.StatusConflict, "duplicate_request", "Request in progress",
			"A request with this Idempotency-Key is currently being processed")
		return
	case err != nil:
		h.logger.Error("failed to enqueue job", zap.Error(err), zap.String("tenant_id", req.TenantID.String()))
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue job", "")
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	h.writeJSON(w, status, res)
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "Invalid job ID")
	if !ok {
		return
	}
	job, err := h.deps.Jobs.Get(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Job not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get job", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get job", "")
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// CancelJob handles POST /v1/jobs/{id}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.pathID(w, r, "Invalid job ID")
	if !ok {
		return
	}
	if _, err := h.deps.Jobs.Get(ctx, id); errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Job not found", "")
		return
	}

	err := h.deps.Jobs.Cancel(ctx, id)
	if errors.Is(err, db.ErrJobNotCancellable) {
		h.writeError(w, http.StatusConflict, "not_cancellable", "Job cannot be cancelled",
			"only pending jobs that no worker holds can be cancelled")
		return
	}
	if err != nil {
		h.logger.Error("failed to cancel job", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to cancel job", "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"status": db.JobStatusCancelled,
	})
}

// AssignLead handles POST /v1/leads/{id}/assign
func (h *Handler) AssignLead(w http.ResponseWriter, r *http.Request) {
	leadID, ok := h.pathID(w, r, "Invalid lead ID")
	if !ok {
		return
	}
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.TenantID == uuid.Nil || req.AgentID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "tenant_id and agent_id are required")
		return
	}

	lead, err := h.deps.Assigner.AssignLeadToAgent(r.Context(), req.TenantID, leadID, req.AgentID)
	switch {
	case errors.Is(err, leads.ErrLeadNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Lead not found", "")
	case errors.Is(err, leads.ErrAlreadyAssigned):
		h.writeError(w, http.StatusConflict, "already_assigned", "Lead already assigned", err.Error())
	case errors.Is(err, lock.ErrLockTimeout):
		h.writeLocked(w)
	case err != nil:
		h.logger.Error("failed to assign lead", zap.Error(err), zap.String("lead_id", leadID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to assign lead", "")
	default:
		h.writeJSON(w, http.StatusOK, AssignResponse{Status: "assigned", Lead: lead})
	}
}

// ReportQuality handles POST /v1/tenants/{id}/quality
func (h *Handler) ReportQuality(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.pathID(w, r, "Invalid tenant ID")
	if !ok {
		return
	}
	var req qualityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Score == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing quality_score", "")
		return
	}

	change, err := h.deps.Gate.ReportQualityScore(r.Context(), tenantID, *req.Score)
	switch {
	case errors.Is(err, compliance.ErrInvalidQualityScore):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid quality score", err.Error())
	case errors.Is(err, lock.ErrLockTimeout):
		h.writeLocked(w)
	case err != nil:
		h.logger.Error("failed to report quality score", zap.Error(err), zap.String("tenant_id", tenantID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update tier", "")
	default:
		h.writeJSON(w, http.StatusOK, change)
	}
}

// VerifyAudit handles GET /v1/audit/verify?tenant_id=&limit= and checks the
// tenant's newest limit records.
func (h *Handler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	tenantStr := r.URL.Query().Get("tenant_id")
	if tenantStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing tenant_id", "tenant_id query parameter is required")
		return
	}
	tenantID, err := uuid.Parse(tenantStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}
	limit := h.deps.VerifyLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit", "limit must be a positive integer")
			return
		}
		limit = min(n, h.deps.VerifyLimit)
	}

	res, err := h.deps.Trail.VerifyTenant(r.Context(), tenantID, limit)
	if err != nil {
		h.logger.Error("audit verification failed", zap.Error(err), zap.String("tenant_id", tenantStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to verify audit trail", "")
		return
	}
	h.writeJSON(w, http.StatusOK, VerifyResponse{TenantID: tenantID, Intact: res.Intact(), VerifyResult: res})
}

// Anonymize handles POST /v1/audit/anonymize
func (h *Handler) Anonymize(w http.ResponseWriter, r *http.Request) {
	var req anonymizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.TenantID == uuid.Nil || req.ResourceID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "tenant_id and resource_id are required")
		return
	}
	n, err := h.deps.Trail.MarkAnonymized(r.Context(), req.TenantID, req.ResourceID)
	if err != nil {
		h.logger.Error("failed to anonymize audit records", zap.Error(err), zap.String("resource_id", req.ResourceID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to anonymize audit records", "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"resource_id": req.ResourceID,
		"annotated":   n,
	})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Health.Health(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			h.writeError(w, http.StatusServiceUnavailable, "unhealthy", "Database unreachable", "")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) loadLead(w http.ResponseWriter, r *http.Request, tenantID, leadID uuid.UUID) (*db.Lead, bool) {
	lead, err := h.deps.Leads.GetLead(r.Context(), tenantID, leadID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Lead not found", "")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to load lead", zap.Error(err), zap.String("lead_id", leadID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load lead", "")
		return nil, false
	}
	return lead, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, title string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeSendError(w http.ResponseWriter, err error) {
	var denied *compliance.DeniedError
	switch {
	case errors.As(err, &denied):
		h.writeDenied(w, denied.Decision)
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		w.Header().Set("Retry-After", "30")
		h.writeError(w, http.StatusServiceUnavailable, "provider_unavailable", "Provider circuit open", err.Error())
	case transport.IsPermanent(err):
		h.writeError(w, http.StatusBadGateway, "provider_rejected", "Provider rejected the message", err.Error())
	default:
		h.writeError(w, http.StatusServiceUnavailable, "provider_unavailable", "Provider unavailable", err.Error())
	}
}

func (h *Handler) writeDenied(w http.ResponseWriter, d compliance.Decision) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(DeniedResponse{
		ErrorResponse: ErrorResponse{
			Type:   "compliance_denied",
			Title:  "Send not permitted",
			Status: http.StatusForbidden,
			Detail: d.Message,
		},
		Decision: d,
	})
}

func (h *Handler) writeLocked(w http.ResponseWriter) {
	h.writeError(w, http.StatusLocked, "lock_timeout", "Resource busy", "another request holds this resource; retry shortly")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
