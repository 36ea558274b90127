package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HTTPRenderer renders documents through the rendering service.
type HTTPRenderer struct {
	client  *http.Client
	baseURL string
	logger  *zap.Logger
}

type RendererConfig struct {
	BaseURL string
	Timeout time.Duration
}

// NewHTTPRenderer creates the rendering service client.
func NewHTTPRenderer(cfg RendererConfig, logger *zap.Logger) *HTTPRenderer {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPRenderer{
		client:  &http.Client{Timeout: timeout},
		baseURL: cfg.BaseURL,
		logger:  logger,
	}
}

// Render requests the PDF bytes for a document.
func (r *HTTPRenderer) Render(ctx context.Context, documentID uuid.UUID) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"document_id": documentID.String()})
	if err != nil {
		return nil, fmt.Errorf("marshal render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/render", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/pdf")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("renderer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("renderer returned %d: %s", resp.StatusCode, preview)
	}

	return io.ReadAll(resp.Body)
}
