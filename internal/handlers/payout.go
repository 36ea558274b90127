package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stratus/internal/job"
)

// Payout item statuses.
const (
	PayoutPending    = "pending"
	PayoutProcessing = "processing"
	PayoutPaid       = "paid"
	PayoutFailed     = "failed"
)

// PayoutItem is one transfer inside a payout batch.
type PayoutItem struct {
	ID          uuid.UUID `json:"id"`
	BatchID     uuid.UUID `json:"batch_id"`
	Status      string    `json:"status"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Recipient   string    `json:"recipient"`
	PSPRef      string    `json:"psp_ref,omitempty"`
}

// PayoutItemStore reads and transitions batch items. BeginProcessing is
// a compare-and-set from pending to processing; it reports false when
// the item was already claimed by an earlier execution.
type PayoutItemStore interface {
	ListItems(ctx context.Context, batchID uuid.UUID) ([]PayoutItem, error)
	BeginProcessing(ctx context.Context, itemID uuid.UUID) (bool, error)
	MarkPaid(ctx context.Context, itemID uuid.UUID, pspRef string) error
	MarkFailed(ctx context.Context, itemID uuid.UUID, reason string) error
}

// PSP submits transfers to the payment provider.
type PSP interface {
	SubmitPayout(ctx context.Context, item PayoutItem) (string, error)
}

// PSPRejectionError is a permanent provider rejection of a single item
// (bad account, compliance block). It fails the item, not the batch.
type PSPRejectionError struct {
	Reason string
}

func (e *PSPRejectionError) Error() string {
	return fmt.Sprintf("psp rejected payout: %s", e.Reason)
}

// PayoutHandler executes payout batches. Items already processing or in
// a terminal state are skipped, so a retried execution never resubmits
// a transfer to the provider.
type PayoutHandler struct {
	items  PayoutItemStore
	psp    PSP
	logger *zap.Logger
}

func NewPayoutHandler(items PayoutItemStore, psp PSP, logger *zap.Logger) *PayoutHandler {
	return &PayoutHandler{items: items, psp: psp, logger: logger.Named("payout")}
}

// PayoutPayload is the job payload for payout.execute.
type PayoutPayload struct {
	BatchID uuid.UUID `json:"batch_id"`
}

// PayoutResult summarizes one batch execution.
type PayoutResult struct {
	Submitted int `json:"submitted"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Execute runs the batch. A transient provider error aborts the pass
// with a retryable error; the next execution skips everything already
// claimed and resumes from the remaining pending items.
func (h *PayoutHandler) Execute(ctx context.Context, batchID uuid.UUID) (PayoutResult, error) {
	items, err := h.items.ListItems(ctx, batchID)
	if err != nil {
		return PayoutResult{}, fmt.Errorf("list payout items: %w", err)
	}

	var result PayoutResult
	for _, item := range items {
		if item.Status != PayoutPending {
			result.Skipped++
			continue
		}

		claimed, err := h.items.BeginProcessing(ctx, item.ID)
		if err != nil {
			return result, fmt.Errorf("claim payout item %s: %w", item.ID, err)
		}
		if !claimed {
			// A concurrent or earlier execution got here first.
			result.Skipped++
			continue
		}

		ref, err := h.psp.SubmitPayout(ctx, item)
		if err != nil {
			var rejection *PSPRejectionError
			if errors.As(err, &rejection) {
				if markErr := h.items.MarkFailed(ctx, item.ID, rejection.Reason); markErr != nil {
					return result, fmt.Errorf("mark payout item failed: %w", markErr)
				}
				h.logger.Warn("payout item rejected",
					zap.String("item_id", item.ID.String()),
					zap.String("reason", rejection.Reason),
				)
				result.Failed++
				continue
			}
			// Transient provider failure. The item stays in processing
			// and is skipped on the retried execution; reconciliation
			// against the provider is an operator concern.
			return result, job.NewRetryable(job.CodeProviderUnavailable, "psp submit failed: %v", err)
		}

		if err := h.items.MarkPaid(ctx, item.ID, ref); err != nil {
			return result, fmt.Errorf("mark payout item paid: %w", err)
		}
		result.Submitted++
	}

	h.logger.Info("payout batch executed",
		zap.String("batch_id", batchID.String()),
		zap.Int("submitted", result.Submitted),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// PayoutJobType is the registry key for payout jobs.
const PayoutJobType = "payout.execute"

// PayoutJobDefinition binds the handler to the job registry.
func PayoutJobDefinition(h *PayoutHandler) *job.Definition {
	return &job.Definition{
		Type:        PayoutJobType,
		MaxAttempts: 5,
		Timeout:     5 * time.Minute,
		Validate: func(payload json.RawMessage) error {
			var p PayoutPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return err
			}
			if p.BatchID == uuid.Nil {
				return fmt.Errorf("batch_id is required")
			}
			return nil
		},
		Handler: func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
			var p PayoutPayload
			if err := json.Unmarshal(j.Payload, &p); err != nil {
				return nil, job.NewPermanent(job.CodeDataMissing, "invalid payout payload: %v", err)
			}
			result, err := h.Execute(ctx, p.BatchID)
			if err != nil {
				return nil, err
			}
			return json.Marshal(result)
		},
	}
}
