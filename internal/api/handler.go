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

	"github.com/lalithlochan/stratus/internal/job"
	"github.com/lalithlochan/stratus/internal/metrics"
	"github.com/lalithlochan/stratus/internal/notify"
	"github.com/lalithlochan/stratus/internal/redis"
)

// JobEnqueuer validates and persists new jobs.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, req job.EnqueueRequest) (*job.Job, error)
}

// JobReader serves job reads and client-side cancellation.
type JobReader interface {
	Get(ctx context.Context, id uuid.UUID) (*job.Job, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID, status string, limit, offset int) ([]*job.Job, error)
	Cancel(ctx context.Context, id uuid.UUID) error
}

// NotificationStore persists notification snapshots and serves reads.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *notify.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*notify.Notification, error)
	ListAttempts(ctx context.Context, notificationID uuid.UUID) ([]*notify.DispatchAttempt, error)
}

// EnqueueJobRequest represents the incoming job enqueue body.
type EnqueueJobRequest struct {
	TenantID    string          `json:"tenant_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    *int            `json:"priority,omitempty"`
	MaxAttempts *int            `json:"max_attempts,omitempty"`
	NotBefore   *time.Time      `json:"not_before,omitempty"`
	CreatedBy   string          `json:"created_by,omitempty"`
}

// CreateNotificationRequest represents the incoming notification body.
// Content is the rendered snapshot per channel, captured at creation so
// later template edits never change in-flight sends.
type CreateNotificationRequest struct {
	TenantID    string                            `json:"tenant_id"`
	Type        string                            `json:"type"`
	Recipients  []string                          `json:"recipients"`
	Channels    []string                          `json:"channels"`
	Content     map[string]notify.RenderedContent `json:"content"`
	ScheduledAt *time.Time                        `json:"scheduled_at,omitempty"`
}

// CreatedResponse is returned after creating a resource.
type CreatedResponse struct {
	ID string `json:"id"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger        *zap.Logger
	enqueuer      JobEnqueuer
	jobs          JobReader
	notifications NotificationStore
	idempotency   *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, enqueuer JobEnqueuer, jobs JobReader, notifications NotificationStore) *Handler {
	return &Handler{
		logger:        logger,
		enqueuer:      enqueuer,
		jobs:          jobs,
		notifications: notifications,
		idempotency:   nil, // Idempotency disabled by default
	}
}

// NewHandlerWithIdempotency creates a handler with idempotency support
func NewHandlerWithIdempotency(logger *zap.Logger, enqueuer JobEnqueuer, jobs JobReader, notifications NotificationStore, idempotency *redis.IdempotencyService) *Handler {
	return &Handler{
		logger:        logger,
		enqueuer:      enqueuer,
		jobs:          jobs,
		notifications: notifications,
		idempotency:   idempotency,
	}
}

// EnqueueJob handles POST /v1/jobs
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req EnqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.TenantID == "" || req.Type == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "tenant_id and type are required")
		return
	}

	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid payload", "payload must be valid JSON")
		return
	}

	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

	var createdBy uuid.UUID
	if req.CreatedBy != "" {
		createdBy, err = uuid.Parse(req.CreatedBy)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid created_by", "created_by must be a valid UUID")
			return
		}
	}

	// Check idempotency if key provided
	if idempotencyKey != "" && h.idempotency != nil {
		if replayed := h.replayOrReserve(ctx, w, req.TenantID, idempotencyKey); replayed {
			return
		}
	}

	j, err := h.enqueuer.Enqueue(ctx, job.EnqueueRequest{
		TenantID:    tenantID,
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		NotBefore:   req.NotBefore,
		CreatedBy:   createdBy,
	})
	if err != nil {
		if errors.Is(err, job.ErrUnknownJobType) {
			h.writeError(w, http.StatusBadRequest, "unknown_job_type", "Unknown job type", req.Type)
			return
		}
		h.logger.Warn("enqueue rejected",
			zap.Error(err),
			zap.String("tenant_id", req.TenantID),
			zap.String("type", req.Type),
		)
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Enqueue rejected", err.Error())
		return
	}

	h.logger.Info("job enqueued",
		zap.String("id", j.ID.String()),
		zap.String("tenant_id", req.TenantID),
		zap.String("type", req.Type),
	)

	h.storeIdempotencyResult(ctx, req.TenantID, idempotencyKey, j.ID.String())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(j)
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	jobID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid job ID", "ID must be a valid UUID")
		return
	}

	j, err := h.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Job not found", "")
			return
		}
		h.logger.Error("failed to get job", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get job", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(j)
}

// ListJobs handles GET /v1/jobs?tenant_id=xxx&status=queued&limit=20&offset=0
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	h.listJobs(w, r, r.URL.Query().Get("status"))
}

// ListDeadLetterQueue handles GET /v1/dlq?tenant_id=xxx&limit=20&offset=0
// It is the jobs list fixed to the dead-letter status.
func (h *Handler) ListDeadLetterQueue(w http.ResponseWriter, r *http.Request) {
	h.listJobs(w, r, job.StatusDLQ)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request, status string) {
	ctx := r.Context()

	tenantIDStr := r.URL.Query().Get("tenant_id")
	if tenantIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing tenant_id", "tenant_id query parameter is required")
		return
	}

	tenantID, err := uuid.Parse(tenantIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

	limit, offset := paginationParams(r)

	jobs, err := h.jobs.ListByTenant(ctx, tenantID, status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list jobs",
			zap.Error(err),
			zap.String("tenant_id", tenantIDStr),
			zap.String("status", status),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list jobs", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   jobs,
		"limit":  limit,
		"offset": offset,
		"count":  len(jobs),
	})
}

// CancelJob handles POST /v1/jobs/{id}/cancel
// Only queued jobs can be cancelled; anything already claimed runs to
// completion.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	jobID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid job ID", "ID must be a valid UUID")
		return
	}

	err = h.jobs.Cancel(ctx, jobID)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrJobNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Job not found", "")
		case errors.Is(err, job.ErrJobNotCancellable):
			h.writeError(w, http.StatusConflict, "not_cancellable", "Job is not cancellable", "only queued jobs can be cancelled")
		default:
			h.logger.Error("failed to cancel job", zap.Error(err), zap.String("id", idStr))
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to cancel job", "")
		}
		return
	}

	h.logger.Info("job cancelled", zap.String("id", idStr))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     idStr,
		"status": job.StatusCancelled,
	})
}

// CreateNotification handles POST /v1/notifications
// The rendered content snapshot is stored with the notification and a
// dispatch job is enqueued for it.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req CreateNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.TenantID == "" || len(req.Recipients) == 0 || len(req.Channels) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "tenant_id, recipients, and channels are required")
		return
	}

	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

	recipients := make([]uuid.UUID, 0, len(req.Recipients))
	for _, raw := range req.Recipients {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient", raw+" is not a valid UUID")
			return
		}
		recipients = append(recipients, id)
	}

	channels := make([]notify.Channel, 0, len(req.Channels))
	for _, raw := range req.Channels {
		c := notify.Channel(raw)
		if !notify.ValidChannel(c) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be in_app, email, push, or webhook")
			return
		}
		channels = append(channels, c)
	}

	content := make(map[notify.Channel]notify.RenderedContent, len(req.Content))
	for raw, rc := range req.Content {
		content[notify.Channel(raw)] = rc
	}

	if idempotencyKey != "" && h.idempotency != nil {
		if replayed := h.replayOrReserve(ctx, w, req.TenantID, idempotencyKey); replayed {
			return
		}
	}

	n := &notify.Notification{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Type:        req.Type,
		Recipients:  recipients,
		Channels:    channels,
		Content:     content,
		Status:      notify.StatusQueued,
		ScheduledAt: req.ScheduledAt,
	}

	if err := h.notifications.CreateNotification(ctx, n); err != nil {
		h.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("tenant_id", req.TenantID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create notification", "")
		return
	}

	payload, _ := json.Marshal(notify.DispatchPayload{NotificationID: n.ID})
	if _, err := h.enqueuer.Enqueue(ctx, job.EnqueueRequest{
		TenantID:  tenantID,
		Type:      notify.JobType,
		Payload:   payload,
		NotBefore: req.ScheduledAt,
	}); err != nil {
		h.logger.Error("failed to enqueue dispatch job",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue dispatch", "")
		return
	}

	h.logger.Info("notification created",
		zap.String("id", n.ID.String()),
		zap.String("tenant_id", req.TenantID),
		zap.Int("recipients", len(recipients)),
		zap.Int("channels", len(channels)),
	)

	h.storeIdempotencyResult(ctx, req.TenantID, idempotencyKey, n.ID.String())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(CreatedResponse{ID: n.ID.String()})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	notifID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	n, err := h.notifications.GetNotification(ctx, notifID)
	if err != nil {
		if errors.Is(err, notify.ErrNotificationNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to get notification", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(n)
}

// ListAttempts handles GET /v1/notifications/{id}/attempts
// Returns the per-channel delivery ledger for a notification.
func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	notifID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	attempts, err := h.notifications.ListAttempts(ctx, notifID)
	if err != nil {
		h.logger.Error("failed to list dispatch attempts", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list attempts", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  attempts,
		"count": len(attempts),
	})
}

// replayOrReserve checks the idempotency key and either replays the
// cached response (returning true) or reserves the key. On a concurrent
// duplicate it writes a 409 and returns true.
func (h *Handler) replayOrReserve(ctx context.Context, w http.ResponseWriter, tenantID, key string) bool {
	cached, err := h.idempotency.CheckOrReserve(ctx, tenantID, key)
	if err != nil {
		if errors.Is(err, redis.ErrDuplicateRequest) {
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return true
		}
		h.logger.Warn("idempotency check failed, proceeding",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
		return false
	}
	if cached != nil {
		metrics.RecordIdempotencyHit()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Idempotency-Replayed", "true")
		w.WriteHeader(cached.StatusCode)
		_ = json.NewEncoder(w).Encode(CreatedResponse{ID: cached.ResourceID})
		return true
	}
	return false
}

func (h *Handler) storeIdempotencyResult(ctx context.Context, tenantID, key, resourceID string) {
	if key == "" || h.idempotency == nil {
		return
	}
	result := &redis.IdempotencyResult{
		ResourceID: resourceID,
		StatusCode: http.StatusCreated,
	}
	if err := h.idempotency.Store(ctx, tenantID, key, result, redis.IdempotencyTTLExact); err != nil {
		h.logger.Warn("failed to store idempotency result",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
	}
}

func paginationParams(r *http.Request) (limit, offset int) {
	limit, offset = 20, 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
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
