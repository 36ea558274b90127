package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stratus/internal/backoff"
	"github.com/lalithlochan/stratus/internal/job"
	"github.com/lalithlochan/stratus/internal/metrics"
)

// Repository is the slice of the notification store the engine needs.
type Repository interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error)
	RecordAttempt(ctx context.Context, a *DispatchAttempt) error
	FinalizeStatus(ctx context.Context, id uuid.UUID, status string) (bool, error)
	ListDestinations(ctx context.Context, tenantID, recipientID uuid.UUID, channel Channel) ([]*Destination, error)
	InvalidateDestination(ctx context.Context, tenantID, recipientID uuid.UUID, channel Channel, address string) error
}

// Engine fans a queued notification out across its requested channels,
// records one dispatch attempt per (recipient, channel) pair, and
// computes the aggregate status exactly once.
type Engine struct {
	repo     Repository
	adapters map[Channel]Adapter
	retry    backoff.Strategy
	logger   *zap.Logger
}

// NewEngine creates a dispatch engine. The in-app channel needs no
// adapter; its inbox entries are created with the notification.
func NewEngine(repo Repository, adapters []Adapter, retry backoff.Strategy, logger *zap.Logger) *Engine {
	byChannel := make(map[Channel]Adapter, len(adapters))
	for _, a := range adapters {
		byChannel[a.Channel()] = a
	}
	if retry == nil {
		retry = backoff.Default()
	}
	return &Engine{
		repo:     repo,
		adapters: byChannel,
		retry:    retry,
		logger:   logger,
	}
}

// Outcome summarizes one dispatch pass. Partial delivery is a legitimate
// completed outcome, not an error.
type Outcome struct {
	NotificationID  uuid.UUID `json:"notification_id"`
	Status          string    `json:"status"`
	Success         int       `json:"success"`
	Failed          int       `json:"failed"`
	PermanentFailed int       `json:"permanent_failed"`
}

// Dispatch attempts delivery on every requested channel for every
// recipient of a queued notification. It fails fast with
// ErrNotificationNotFound or ErrNotificationNotQueued; the latter is the
// engine's idempotency boundary — an already-dispatched notification is
// never re-entered and no new attempts are recorded for it.
func (e *Engine) Dispatch(ctx context.Context, notificationID uuid.UUID) (*Outcome, error) {
	n, err := e.repo.GetNotification(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	if n.Status != StatusQueued {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotificationNotQueued, n.ID, n.Status)
	}

	type pair struct {
		recipient uuid.UUID
		channel   Channel
	}
	var pairs []pair
	for _, recipient := range n.Recipients {
		for _, channel := range n.Channels {
			pairs = append(pairs, pair{recipient, channel})
		}
	}

	outcome := &Outcome{NotificationID: n.ID}

	// Channel attempts run concurrently with no ordering between
	// channels; attempt numbering per tuple is handled by the ledger.
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, p := range pairs {
		wg.Add(1)
		go func(p pair) {
			defer wg.Done()
			status := e.dispatchPair(ctx, n, p.recipient, p.channel)
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case AttemptSuccess:
				outcome.Success++
			case AttemptPermanentFailed:
				outcome.PermanentFailed++
			default:
				outcome.Failed++
			}
		}(p)
	}
	wg.Wait()

	total := len(pairs)
	switch {
	case total == 0, outcome.Success == 0:
		outcome.Status = StatusFailed
	case outcome.Success == total:
		outcome.Status = StatusSent
	default:
		outcome.Status = StatusPartial
	}

	finalized, err := e.repo.FinalizeStatus(ctx, n.ID, outcome.Status)
	if err != nil {
		return nil, err
	}
	if !finalized {
		// Another execution already settled the aggregate; keep its
		// verdict and report ours only in the log.
		e.logger.Warn("notification already finalized by another execution",
			zap.String("notification_id", n.ID.String()),
			zap.String("computed_status", outcome.Status),
		)
	}

	e.logger.Info("notification dispatched",
		zap.String("notification_id", n.ID.String()),
		zap.String("status", outcome.Status),
		zap.Int("success", outcome.Success),
		zap.Int("failed", outcome.Failed),
		zap.Int("permanent_failed", outcome.PermanentFailed),
	)

	return outcome, nil
}

// dispatchPair processes one (recipient, channel) pair and returns the
// recorded attempt status.
func (e *Engine) dispatchPair(ctx context.Context, n *Notification, recipient uuid.UUID, channel Channel) string {
	attempt := &DispatchAttempt{
		ID:             uuid.New(),
		NotificationID: n.ID,
		RecipientID:    recipient,
		Channel:        channel,
	}

	// In-app is special-cased: the inbox entry was written when the
	// notification was created, so delivery is already done.
	if channel == ChannelInApp {
		attempt.Provider = "inbox"
		attempt.Status = AttemptSuccess
		e.record(ctx, attempt)
		return attempt.Status
	}

	adapter, ok := e.adapters[channel]
	if !ok {
		code := ErrCodeNoDestination
		msg := fmt.Sprintf("no adapter configured for channel %s", channel)
		attempt.Status = AttemptPermanentFailed
		attempt.ErrorCode = &code
		attempt.ErrorMessage = &msg
		e.record(ctx, attempt)
		return attempt.Status
	}
	attempt.Provider = adapter.Provider()

	dest, err := e.resolveDestination(ctx, n.TenantID, recipient, channel)
	if err != nil {
		code := ErrCodeProviderError
		msg := err.Error()
		attempt.Status = AttemptFailed
		attempt.ErrorCode = &code
		attempt.ErrorMessage = &msg
		retryAt := time.Now().Add(e.retry.Delay(1))
		attempt.NextRetryAt = &retryAt
		e.record(ctx, attempt)
		return attempt.Status
	}
	if dest == nil {
		// No registered address or token for this channel. Not a
		// transient condition; never scheduled for retry.
		code := ErrCodeNoDestination
		msg := fmt.Sprintf("recipient %s has no %s destination", recipient, channel)
		attempt.Status = AttemptPermanentFailed
		attempt.ErrorCode = &code
		attempt.ErrorMessage = &msg
		e.record(ctx, attempt)
		return attempt.Status
	}

	providerRef, sendErr := adapter.Send(ctx, *dest, n.ContentFor(channel))
	if sendErr == nil {
		attempt.Status = AttemptSuccess
		attempt.ProviderRef = providerRef
		e.record(ctx, attempt)
		return attempt.Status
	}

	var se *SendError
	if !errors.As(sendErr, &se) {
		se = &SendError{Code: ErrCodeProviderError, Message: sendErr.Error()}
	}

	attempt.ErrorCode = &se.Code
	attempt.ErrorMessage = &se.Message

	if se.Permanent {
		attempt.Status = AttemptPermanentFailed
		e.record(ctx, attempt)

		// Suppress the dead address or token so future sends skip it.
		if err := e.repo.InvalidateDestination(ctx, n.TenantID, recipient, channel, dest.Address); err != nil {
			e.logger.Error("failed to invalidate destination",
				zap.Error(err),
				zap.String("recipient_id", recipient.String()),
				zap.String("channel", string(channel)),
			)
		}
		return attempt.Status
	}

	attempt.Status = AttemptFailed
	retryAt := time.Now().Add(e.retry.Delay(1))
	attempt.NextRetryAt = &retryAt
	e.record(ctx, attempt)
	return attempt.Status
}

func (e *Engine) resolveDestination(ctx context.Context, tenantID, recipient uuid.UUID, channel Channel) (*Destination, error) {
	dests, err := e.repo.ListDestinations(ctx, tenantID, recipient, channel)
	if err != nil {
		return nil, fmt.Errorf("resolve destination: %w", err)
	}
	if len(dests) == 0 {
		return nil, nil
	}
	return dests[0], nil
}

func (e *Engine) record(ctx context.Context, a *DispatchAttempt) {
	if err := e.repo.RecordAttempt(ctx, a); err != nil {
		e.logger.Error("failed to record dispatch attempt",
			zap.Error(err),
			zap.String("notification_id", a.NotificationID.String()),
			zap.String("recipient_id", a.RecipientID.String()),
			zap.String("channel", string(a.Channel)),
		)
		return
	}
	metrics.RecordDispatchAttempt(string(a.Channel), a.Status)
}

// DispatchPayload is the job payload carried by dispatch jobs: a
// back-reference to the notification, never ownership of it.
type DispatchPayload struct {
	NotificationID uuid.UUID `json:"notification_id"`
}

// JobType is the registry key for dispatch jobs.
const JobType = "notification.dispatch"

// JobDefinition binds the engine to the job registry. Not-found and
// state-conflict guards surface as permanent errors so a bad dispatch job
// dead-letters instead of hot-looping.
func JobDefinition(engine *Engine) *job.Definition {
	return &job.Definition{
		Type:        JobType,
		MaxAttempts: 5,
		Timeout:     2 * time.Minute,
		Validate: func(payload json.RawMessage) error {
			var p DispatchPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return err
			}
			if p.NotificationID == uuid.Nil {
				return fmt.Errorf("notification_id is required")
			}
			return nil
		},
		Handler: func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
			var p DispatchPayload
			if err := json.Unmarshal(j.Payload, &p); err != nil {
				return nil, job.NewPermanent(job.CodeDataMissing, "invalid dispatch payload: %v", err)
			}

			outcome, err := engine.Dispatch(ctx, p.NotificationID)
			if err != nil {
				switch {
				case errors.Is(err, ErrNotificationNotFound):
					return nil, job.NewPermanent(job.CodeNotFound, "%v", err)
				case errors.Is(err, ErrNotificationNotQueued):
					return nil, job.NewPermanent(job.CodeStateConflict, "%v", err)
				default:
					return nil, job.NewRetryable(job.CodeProviderUnavailable, "%v", err)
				}
			}

			return json.Marshal(outcome)
		},
	}
}
