// Package job defines the durable job model, the per-type registry, and
// the Postgres-backed store with atomic lease-based claiming.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status constants for the job lifecycle.
const (
	StatusQueued    = "queued"
	StatusLeased    = "leased"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusDLQ       = "dlq"
)

// IsTerminal reports whether a status is terminal. Terminal jobs are never
// reclaimed or mutated by the engine again.
func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusDLQ:
		return true
	}
	return false
}

// Job is a persisted unit of deferred work.
type Job struct {
	ID       uuid.UUID       `json:"id"`
	TenantID uuid.UUID       `json:"tenant_id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Result   json.RawMessage `json:"result,omitempty"`
	Status   string          `json:"status"`

	Priority  int       `json:"priority"`
	NextRunAt time.Time `json:"next_run_at"`

	WorkerID       *string    `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	Attempt     int     `json:"attempt"`
	MaxAttempts int     `json:"max_attempts"`
	LastErrCode *string `json:"last_error_code,omitempty"`
	LastErrMsg  *string `json:"last_error_message,omitempty"`

	CreatedBy uuid.UUID `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
