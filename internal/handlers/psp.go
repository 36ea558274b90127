package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPPSP submits payouts to the payment provider over HTTP.
type HTTPPSP struct {
	client  *http.Client
	baseURL string
	logger  *zap.Logger
}

type PSPConfig struct {
	BaseURL string
	Timeout time.Duration
}

// NewHTTPPSP creates the provider client.
func NewHTTPPSP(cfg PSPConfig, logger *zap.Logger) *HTTPPSP {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPPSP{
		client:  &http.Client{Timeout: timeout},
		baseURL: cfg.BaseURL,
		logger:  logger,
	}
}

type pspPayoutRequest struct {
	ItemID      string `json:"item_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Recipient   string `json:"recipient"`
}

type pspPayoutResponse struct {
	Reference string `json:"reference"`
	Error     string `json:"error,omitempty"`
}

// SubmitPayout posts one transfer. The item id doubles as the provider's
// idempotency key, so a double submission after a crash is deduplicated
// on their side too. Client errors other than throttling are permanent
// rejections; server errors and network failures are transient.
func (p *HTTPPSP) SubmitPayout(ctx context.Context, item PayoutItem) (string, error) {
	body, err := json.Marshal(pspPayoutRequest{
		ItemID:      item.ID.String(),
		AmountCents: item.AmountCents,
		Currency:    item.Currency,
		Recipient:   item.Recipient,
	})
	if err != nil {
		return "", fmt.Errorf("marshal payout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/payouts", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build payout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", item.ID.String())

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("psp request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out pspPayoutResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("decode psp response: %w", err)
		}
		return out.Reference, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("psp returned %d: %s", resp.StatusCode, raw)

	default:
		var out pspPayoutResponse
		_ = json.Unmarshal(raw, &out)
		reason := out.Error
		if reason == "" {
			reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return "", &PSPRejectionError{Reason: reason}
	}
}
