package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stratus/internal/db"
)

// Store is the Postgres-backed repository for the downstream handler
// sub-resources: payout batch items, export records, rendered documents,
// artifacts, and the audit log read side.
type Store struct {
	db     *db.DB
	logger *zap.Logger
}

// NewStore creates a new handler store.
func NewStore(database *db.DB, logger *zap.Logger) *Store {
	return &Store{db: database, logger: logger}
}

// ListItems returns the items of a payout batch in insertion order.
func (s *Store) ListItems(ctx context.Context, batchID uuid.UUID) ([]PayoutItem, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, batch_id, status, amount_cents, currency, recipient, COALESCE(psp_ref, '')
		FROM payout_items
		WHERE batch_id = $1
		ORDER BY created_at ASC`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("query payout items: %w", err)
	}
	defer rows.Close()

	var items []PayoutItem
	for rows.Next() {
		var item PayoutItem
		if err := rows.Scan(&item.ID, &item.BatchID, &item.Status, &item.AmountCents, &item.Currency, &item.Recipient, &item.PSPRef); err != nil {
			return nil, fmt.Errorf("scan payout item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// BeginProcessing transitions an item from pending to processing. The
// conditional WHERE makes it a compare-and-set: a retried execution that
// finds the item already claimed gets false back and skips it.
func (s *Store) BeginProcessing(ctx context.Context, itemID uuid.UUID) (bool, error) {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE payout_items
		SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		itemID,
	)
	if err != nil {
		return false, fmt.Errorf("claim payout item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkPaid records the provider reference and finishes the item.
func (s *Store) MarkPaid(ctx context.Context, itemID uuid.UUID, pspRef string) error {
	_, err := s.db.Pool().Exec(ctx, `
		UPDATE payout_items
		SET status = 'paid', psp_ref = $2, updated_at = NOW()
		WHERE id = $1`,
		itemID, pspRef,
	)
	if err != nil {
		return fmt.Errorf("mark payout item paid: %w", err)
	}
	return nil
}

// MarkFailed records a permanent provider rejection for the item.
func (s *Store) MarkFailed(ctx context.Context, itemID uuid.UUID, reason string) error {
	_, err := s.db.Pool().Exec(ctx, `
		UPDATE payout_items
		SET status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE id = $1`,
		itemID, reason,
	)
	if err != nil {
		return fmt.Errorf("mark payout item failed: %w", err)
	}
	return nil
}

// CollectRows reads the audit log for an export window.
func (s *Store) CollectRows(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]AuditRow, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, tenant_id, actor, action, detail, occurred_at
		FROM audit_log
		WHERE tenant_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at ASC`,
		tenantID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var row AuditRow
		var detail []byte
		if err := rows.Scan(&row.ID, &row.TenantID, &row.Actor, &row.Action, &detail, &row.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		row.Detail = json.RawMessage(detail)
		out = append(out, row)
	}
	return out, rows.Err()
}

// Put stores an artifact under a fresh id.
func (s *Store) Put(ctx context.Context, tenantID uuid.UUID, name, contentType string, data []byte) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO artifacts (id, tenant_id, name, content_type, data)
		VALUES ($1, $2, $3, $4, $5)`,
		id, tenantID, name, contentType, data,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert artifact: %w", err)
	}
	return id, nil
}

// SetArtifact points an export record at its latest artifact.
func (s *Store) SetArtifact(ctx context.Context, exportID, artifactID uuid.UUID, rowCount int) error {
	_, err := s.db.Pool().Exec(ctx, `
		UPDATE exports
		SET artifact_id = $2, row_count = $3, completed_at = NOW()
		WHERE id = $1`,
		exportID, artifactID, rowCount,
	)
	if err != nil {
		return fmt.Errorf("update export record: %w", err)
	}
	return nil
}

// documentStore adapts the shared store to the render handler, which
// links documents instead of exports.
type documentStore struct {
	store *Store
}

// Documents returns the DocumentStore view of the shared store.
func (s *Store) Documents() DocumentStore {
	return &documentStore{store: s}
}

func (d *documentStore) SetArtifact(ctx context.Context, documentID, artifactID uuid.UUID) error {
	_, err := d.store.db.Pool().Exec(ctx, `
		UPDATE documents
		SET artifact_id = $2, rendered_at = NOW()
		WHERE id = $1`,
		documentID, artifactID,
	)
	if err != nil {
		return fmt.Errorf("update document record: %w", err)
	}
	return nil
}
