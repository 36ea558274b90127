package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stratus/internal/job"
	"github.com/lalithlochan/stratus/internal/sqs"
)

// AuditRow is one exported audit log entry.
type AuditRow struct {
	ID         uuid.UUID       `json:"id"`
	TenantID   uuid.UUID       `json:"tenant_id"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// AuditSource collects the rows for an export window.
type AuditSource interface {
	CollectRows(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]AuditRow, error)
}

// ExportStore owns the export record. SetArtifact points it at the
// latest generated artifact.
type ExportStore interface {
	SetArtifact(ctx context.Context, exportID, artifactID uuid.UUID, rowCount int) error
}

// ExportPublisher announces finished exports.
type ExportPublisher interface {
	Publish(ctx context.Context, event sqs.ExportEvent) (string, error)
}

// ExportHandler generates audit export artifacts. Each execution writes
// a fresh artifact and repoints the export record, so re-execution
// after a crash is self-correcting.
type ExportHandler struct {
	source    AuditSource
	artifacts ArtifactStore
	exports   ExportStore
	publisher ExportPublisher
	logger    *zap.Logger
}

func NewExportHandler(source AuditSource, artifacts ArtifactStore, exports ExportStore, publisher ExportPublisher, logger *zap.Logger) *ExportHandler {
	return &ExportHandler{
		source:    source,
		artifacts: artifacts,
		exports:   exports,
		publisher: publisher,
		logger:    logger.Named("export"),
	}
}

// ExportPayload is the job payload for audit.export.
type ExportPayload struct {
	ExportID    uuid.UUID `json:"export_id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	RequestedBy string    `json:"requested_by"`
}

// ExportResult summarizes one export execution.
type ExportResult struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	RowCount   int       `json:"row_count"`
	MessageID  string    `json:"message_id"`
}

// Execute collects the window, writes the artifact, updates the export
// record, and publishes the completion event.
func (h *ExportHandler) Execute(ctx context.Context, p ExportPayload) (ExportResult, error) {
	rows, err := h.source.CollectRows(ctx, p.TenantID, p.From, p.To)
	if err != nil {
		return ExportResult{}, fmt.Errorf("collect audit rows: %w", err)
	}

	data, err := json.Marshal(rows)
	if err != nil {
		return ExportResult{}, fmt.Errorf("encode audit rows: %w", err)
	}

	name := fmt.Sprintf("audit-export-%s.json", p.ExportID)
	artifactID, err := h.artifacts.Put(ctx, p.TenantID, name, "application/json", data)
	if err != nil {
		return ExportResult{}, fmt.Errorf("store export artifact: %w", err)
	}

	if err := h.exports.SetArtifact(ctx, p.ExportID, artifactID, len(rows)); err != nil {
		return ExportResult{}, fmt.Errorf("update export record: %w", err)
	}

	msgID, err := h.publisher.Publish(ctx, sqs.ExportEvent{
		ExportID:    p.ExportID.String(),
		TenantID:    p.TenantID.String(),
		ArtifactID:  artifactID.String(),
		RowCount:    len(rows),
		RequestedBy: p.RequestedBy,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		return ExportResult{}, fmt.Errorf("publish export event: %w", err)
	}

	h.logger.Info("audit export completed",
		zap.String("export_id", p.ExportID.String()),
		zap.String("artifact_id", artifactID.String()),
		zap.Int("rows", len(rows)),
	)
	return ExportResult{ArtifactID: artifactID, RowCount: len(rows), MessageID: msgID}, nil
}

// ExportJobType is the registry key for audit export jobs.
const ExportJobType = "audit.export"

// ExportJobDefinition binds the handler to the job registry.
func ExportJobDefinition(h *ExportHandler) *job.Definition {
	return &job.Definition{
		Type:        ExportJobType,
		MaxAttempts: 3,
		Timeout:     10 * time.Minute,
		Validate: func(payload json.RawMessage) error {
			var p ExportPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return err
			}
			if p.ExportID == uuid.Nil || p.TenantID == uuid.Nil {
				return fmt.Errorf("export_id and tenant_id are required")
			}
			if !p.To.After(p.From) {
				return fmt.Errorf("export window is empty")
			}
			return nil
		},
		Handler: func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
			var p ExportPayload
			if err := json.Unmarshal(j.Payload, &p); err != nil {
				return nil, job.NewPermanent(job.CodeDataMissing, "invalid export payload: %v", err)
			}
			result, err := h.Execute(ctx, p)
			if err != nil {
				return nil, err
			}
			return json.Marshal(result)
		},
	}
}
