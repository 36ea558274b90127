package notify

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

// WebhookAdapter delivers notifications by POSTing the rendered content
// to the destination URL.
type WebhookAdapter struct {
	client *http.Client
	logger *zap.Logger
}

type WebhookConfig struct {
	Timeout time.Duration
}

// NewWebhookAdapter creates the webhook channel adapter.
func NewWebhookAdapter(cfg WebhookConfig, logger *zap.Logger) *WebhookAdapter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &WebhookAdapter{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (a *WebhookAdapter) Channel() Channel { return ChannelWebhook }
func (a *WebhookAdapter) Provider() string { return "webhook" }

type webhookBody struct {
	Subject string            `json:"subject,omitempty"`
	Body    string            `json:"body"`
	Data    map[string]string `json:"data,omitempty"`
}

// Send POSTs the content to the destination URL. Client errors other than
// throttling mean the endpoint rejects this payload for good; server
// errors and network failures are transient.
func (a *WebhookAdapter) Send(ctx context.Context, dest Destination, content RenderedContent) (string, error) {
	body, err := json.Marshal(webhookBody{
		Subject: content.Subject,
		Body:    content.Body,
		Data:    content.Data,
	})
	if err != nil {
		return "", &SendError{
			Code:      ErrCodeProviderRejected,
			Message:   fmt.Sprintf("marshal webhook body: %v", err),
			Permanent: true,
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.Address, bytes.NewReader(body))
	if err != nil {
		return "", &SendError{
			Code:      ErrCodeProviderRejected,
			Message:   fmt.Sprintf("invalid webhook url: %v", err),
			Permanent: true,
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Stratus/1.0")

	// Delivery reference echoed back in the ledger; webhooks have no
	// provider-assigned id.
	deliveryID := uuid.NewString()
	req.Header.Set("X-Stratus-Delivery-ID", deliveryID)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", &SendError{
			Code:    ErrCodeProviderError,
			Message: fmt.Sprintf("webhook request failed: %v", err),
		}
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		a.logger.Info("webhook delivered",
			zap.String("url", dest.Address),
			zap.Int("status_code", resp.StatusCode),
		)
		return deliveryID, nil

	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &SendError{
			Code:    ErrCodeProviderError,
			Message: fmt.Sprintf("webhook returned %d: %s", resp.StatusCode, preview),
		}

	default:
		return "", &SendError{
			Code:      ErrCodeProviderRejected,
			Message:   fmt.Sprintf("webhook rejected with %d: %s", resp.StatusCode, preview),
			Permanent: true,
		}
	}
}
