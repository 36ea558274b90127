package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stratus/internal/job"
)

// Renderer produces the PDF bytes for a document.
type Renderer interface {
	Render(ctx context.Context, documentID uuid.UUID) ([]byte, error)
}

// DocumentStore owns the document record and its current artifact link.
type DocumentStore interface {
	SetArtifact(ctx context.Context, documentID, artifactID uuid.UUID) error
}

// RenderHandler renders documents to PDF artifacts. Like exports, each
// execution writes a fresh artifact and repoints the document.
type RenderHandler struct {
	renderer  Renderer
	artifacts ArtifactStore
	documents DocumentStore
	logger    *zap.Logger
}

func NewRenderHandler(renderer Renderer, artifacts ArtifactStore, documents DocumentStore, logger *zap.Logger) *RenderHandler {
	return &RenderHandler{
		renderer:  renderer,
		artifacts: artifacts,
		documents: documents,
		logger:    logger.Named("render"),
	}
}

// RenderPayload is the job payload for render.pdf.
type RenderPayload struct {
	DocumentID uuid.UUID `json:"document_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
}

// RenderResult summarizes one render execution.
type RenderResult struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	Bytes      int       `json:"bytes"`
}

func (h *RenderHandler) Execute(ctx context.Context, p RenderPayload) (RenderResult, error) {
	data, err := h.renderer.Render(ctx, p.DocumentID)
	if err != nil {
		return RenderResult{}, fmt.Errorf("render document %s: %w", p.DocumentID, err)
	}

	name := fmt.Sprintf("document-%s.pdf", p.DocumentID)
	artifactID, err := h.artifacts.Put(ctx, p.TenantID, name, "application/pdf", data)
	if err != nil {
		return RenderResult{}, fmt.Errorf("store rendered artifact: %w", err)
	}

	if err := h.documents.SetArtifact(ctx, p.DocumentID, artifactID); err != nil {
		return RenderResult{}, fmt.Errorf("update document record: %w", err)
	}

	h.logger.Info("document rendered",
		zap.String("document_id", p.DocumentID.String()),
		zap.String("artifact_id", artifactID.String()),
		zap.Int("bytes", len(data)),
	)
	return RenderResult{ArtifactID: artifactID, Bytes: len(data)}, nil
}

// RenderJobType is the registry key for render jobs.
const RenderJobType = "render.pdf"

// RenderJobDefinition binds the handler to the job registry.
func RenderJobDefinition(h *RenderHandler) *job.Definition {
	return &job.Definition{
		Type:        RenderJobType,
		MaxAttempts: 3,
		Timeout:     2 * time.Minute,
		Validate: func(payload json.RawMessage) error {
			var p RenderPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return err
			}
			if p.DocumentID == uuid.Nil || p.TenantID == uuid.Nil {
				return fmt.Errorf("document_id and tenant_id are required")
			}
			return nil
		},
		Handler: func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
			var p RenderPayload
			if err := json.Unmarshal(j.Payload, &p); err != nil {
				return nil, job.NewPermanent(job.CodeDataMissing, "invalid render payload: %v", err)
			}
			result, err := h.Execute(ctx, p)
			if err != nil {
				return nil, err
			}
			return json.Marshal(result)
		},
	}
}
