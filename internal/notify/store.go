package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/stratus/internal/db"
)

// Store is the Postgres-backed repository for notifications, the dispatch
// attempt ledger, and recipient destinations. Attempt records are
// append-mostly and partitioned by (notification, recipient, channel), so
// concurrent writers for different recipients never contend.
type Store struct {
	db     *db.DB
	logger *zap.Logger
}

// NewStore creates a new notification store.
func NewStore(database *db.DB, logger *zap.Logger) *Store {
	return &Store{db: database, logger: logger}
}

// CreateNotification persists a queued notification with its content
// snapshot and, for the in-app channel, creates the recipient inbox
// entries in the same transaction.
func (s *Store) CreateNotification(ctx context.Context, n *Notification) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	content, err := json.Marshal(n.Content)
	if err != nil {
		return fmt.Errorf("marshal content snapshot: %w", err)
	}

	channels := make([]string, len(n.Channels))
	for i, c := range n.Channels {
		channels[i] = string(c)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO notifications (
			id, tenant_id, type, recipients, channels, content, status, scheduled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		n.ID, n.TenantID, n.Type, n.Recipients, channels, content, n.Status, n.ScheduledAt,
	).Scan(&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	if hasChannel(n.Channels, ChannelInApp) {
		inApp := n.ContentFor(ChannelInApp)
		for _, recipient := range n.Recipients {
			_, err := tx.Exec(ctx, `
				INSERT INTO inbox_entries (id, tenant_id, recipient_id, notification_id, subject, body)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				uuid.New(), n.TenantID, recipient, n.ID, inApp.Subject, inApp.Body,
			)
			if err != nil {
				return fmt.Errorf("insert inbox entry: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.Info("notification created",
		zap.String("notification_id", n.ID.String()),
		zap.String("tenant_id", n.TenantID.String()),
		zap.String("type", n.Type),
		zap.Int("recipients", len(n.Recipients)),
		zap.Int("channels", len(n.Channels)),
	)

	return nil
}

// GetNotification retrieves a notification by ID.
func (s *Store) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	var (
		n        Notification
		channels []string
		content  []byte
	)

	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, tenant_id, type, recipients, channels, content, status,
		       scheduled_at, created_at, updated_at
		FROM notifications
		WHERE id = $1`, id,
	).Scan(
		&n.ID, &n.TenantID, &n.Type, &n.Recipients, &channels, &content,
		&n.Status, &n.ScheduledAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}

	n.Channels = make([]Channel, len(channels))
	for i, c := range channels {
		n.Channels[i] = Channel(c)
	}
	if err := json.Unmarshal(content, &n.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content snapshot: %w", err)
	}

	return &n, nil
}

// RecordAttempt appends a dispatch attempt to the ledger. The attempt
// number is assigned inside the insert as one more than the highest
// existing number for the (notification, recipient, channel) tuple, which
// keeps numbers strictly increasing under concurrent passes.
func (s *Store) RecordAttempt(ctx context.Context, a *DispatchAttempt) error {
	err := s.db.Pool().QueryRow(ctx, `
		INSERT INTO dispatch_attempts (
			id, notification_id, recipient_id, channel, attempt,
			provider, provider_ref, status, error_code, error_message, next_retry_at
		)
		SELECT $1, $2, $3, $4,
		       COALESCE(MAX(attempt), 0) + 1,
		       $5, $6, $7, $8, $9, $10
		FROM dispatch_attempts
		WHERE notification_id = $2 AND recipient_id = $3 AND channel = $4
		RETURNING attempt, created_at`,
		a.ID, a.NotificationID, a.RecipientID, string(a.Channel),
		a.Provider, a.ProviderRef, a.Status, a.ErrorCode, a.ErrorMessage, a.NextRetryAt,
	).Scan(&a.Attempt, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dispatch attempt: %w", err)
	}

	s.logger.Debug("dispatch attempt recorded",
		zap.String("notification_id", a.NotificationID.String()),
		zap.String("recipient_id", a.RecipientID.String()),
		zap.String("channel", string(a.Channel)),
		zap.Int("attempt", a.Attempt),
		zap.String("status", a.Status),
	)

	return nil
}

// ListAttempts returns the full ledger for a notification, oldest first.
func (s *Store) ListAttempts(ctx context.Context, notificationID uuid.UUID) ([]*DispatchAttempt, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, notification_id, recipient_id, channel, attempt,
		       provider, provider_ref, status, error_code, error_message,
		       next_retry_at, created_at
		FROM dispatch_attempts
		WHERE notification_id = $1
		ORDER BY created_at ASC`, notificationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query dispatch attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*DispatchAttempt
	for rows.Next() {
		var (
			a       DispatchAttempt
			channel string
		)
		err := rows.Scan(
			&a.ID, &a.NotificationID, &a.RecipientID, &channel, &a.Attempt,
			&a.Provider, &a.ProviderRef, &a.Status, &a.ErrorCode, &a.ErrorMessage,
			&a.NextRetryAt, &a.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch attempt: %w", err)
		}
		a.Channel = Channel(channel)
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatch attempts: %w", err)
	}

	return attempts, nil
}

// FinalizeStatus writes the aggregate status, but only from queued. The
// conditional update ensures a stale re-execution can never overwrite a
// good aggregate with a wrong one. Returns false if another execution
// already finalized the notification.
func (s *Store) FinalizeStatus(ctx context.Context, id uuid.UUID, status string) (bool, error) {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE notifications
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'queued'`,
		id, status,
	)
	if err != nil {
		return false, fmt.Errorf("finalize notification status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	s.logger.Info("notification finalized",
		zap.String("notification_id", id.String()),
		zap.String("status", status),
	)
	return true, nil
}

// ListDestinations returns the valid destinations for a recipient on a
// channel.
func (s *Store) ListDestinations(ctx context.Context, tenantID, recipientID uuid.UUID, channel Channel) ([]*Destination, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT tenant_id, recipient_id, channel, address, valid, created_at
		FROM destinations
		WHERE tenant_id = $1 AND recipient_id = $2 AND channel = $3 AND valid
		ORDER BY created_at ASC`,
		tenantID, recipientID, string(channel),
	)
	if err != nil {
		return nil, fmt.Errorf("query destinations: %w", err)
	}
	defer rows.Close()

	var dests []*Destination
	for rows.Next() {
		var (
			d  Destination
			ch string
		)
		if err := rows.Scan(&d.TenantID, &d.RecipientID, &ch, &d.Address, &d.Valid, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		d.Channel = Channel(ch)
		dests = append(dests, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate destinations: %w", err)
	}

	return dests, nil
}

// UpsertDestination registers or revalidates a destination.
func (s *Store) UpsertDestination(ctx context.Context, d *Destination) error {
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO destinations (tenant_id, recipient_id, channel, address, valid)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (tenant_id, recipient_id, channel, address)
		DO UPDATE SET valid = TRUE`,
		d.TenantID, d.RecipientID, string(d.Channel), d.Address,
	)
	if err != nil {
		return fmt.Errorf("upsert destination: %w", err)
	}
	return nil
}

// InvalidateDestination marks a bounced or rejected destination so it is
// suppressed for future sends.
func (s *Store) InvalidateDestination(ctx context.Context, tenantID, recipientID uuid.UUID, channel Channel, address string) error {
	_, err := s.db.Pool().Exec(ctx, `
		UPDATE destinations
		SET valid = FALSE
		WHERE tenant_id = $1 AND recipient_id = $2 AND channel = $3 AND address = $4`,
		tenantID, recipientID, string(channel), address,
	)
	if err != nil {
		return fmt.Errorf("invalidate destination: %w", err)
	}

	s.logger.Warn("destination invalidated",
		zap.String("tenant_id", tenantID.String()),
		zap.String("recipient_id", recipientID.String()),
		zap.String("channel", string(channel)),
	)
	return nil
}

func hasChannel(channels []Channel, want Channel) bool {
	for _, c := range channels {
		if c == want {
			return true
		}
	}
	return false
}
