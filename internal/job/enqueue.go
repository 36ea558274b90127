package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stratus/internal/metrics"
)

// EnqueueRequest describes a job to enqueue. Priority, MaxAttempts and
// NotBefore are optional; zero values fall back to the type's defaults.
type EnqueueRequest struct {
	TenantID    uuid.UUID
	Type        string
	Payload     json.RawMessage
	Priority    *int
	MaxAttempts *int
	NotBefore   *time.Time
	CreatedBy   uuid.UUID
}

// Enqueuer validates enqueue requests against the registry and persists
// them. Payloads are rejected here, at enqueue time, rather than failing
// later inside a worker.
type Enqueuer struct {
	store    *Store
	registry *Registry
	logger   *zap.Logger
}

// NewEnqueuer creates an enqueuer bound to a store and registry.
func NewEnqueuer(store *Store, registry *Registry, logger *zap.Logger) *Enqueuer {
	return &Enqueuer{store: store, registry: registry, logger: logger}
}

// Enqueue validates and persists a new queued job, returning it with
// policy defaults applied.
func (e *Enqueuer) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	def, err := e.registry.Resolve(req.Type)
	if err != nil {
		return nil, err
	}

	if def.Validate != nil {
		if err := def.Validate(req.Payload); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", req.Type, err)
		}
	}

	priority := def.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	maxAttempts := def.MaxAttempts
	if req.MaxAttempts != nil && *req.MaxAttempts >= 1 {
		maxAttempts = *req.MaxAttempts
	}

	nextRunAt := time.Now()
	if req.NotBefore != nil && req.NotBefore.After(nextRunAt) {
		nextRunAt = *req.NotBefore
	}

	j := &Job{
		ID:          uuid.New(),
		TenantID:    req.TenantID,
		Type:        req.Type,
		Payload:     req.Payload,
		Status:      StatusQueued,
		Priority:    priority,
		NextRunAt:   nextRunAt,
		Attempt:     0,
		MaxAttempts: maxAttempts,
		CreatedBy:   req.CreatedBy,
	}

	if err := e.store.Enqueue(ctx, j); err != nil {
		return nil, err
	}

	metrics.RecordJobEnqueued(j.Type)
	return j, nil
}
