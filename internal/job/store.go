package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/stratus/internal/db"
)

const jobColumns = `
	id, tenant_id, type, payload, result, status,
	priority, next_run_at, worker_id, lease_expires_at,
	attempt, max_attempts, last_error_code, last_error_message,
	created_by, created_at, updated_at
`

// LeasePolicy pairs a job type with its lease duration for claiming.
type LeasePolicy struct {
	Type    string
	Timeout time.Duration
}

// Store is the Postgres-backed job repository. The jobs table is the
// single source of truth for job state; claiming is the only operation
// that needs true exclusivity and it is done with a conditional update
// over row locks (FOR UPDATE SKIP LOCKED).
type Store struct {
	db     *db.DB
	logger *zap.Logger
}

// NewStore creates a new job store.
func NewStore(database *db.DB, logger *zap.Logger) *Store {
	return &Store{db: database, logger: logger}
}

// Enqueue inserts a new queued job.
func (s *Store) Enqueue(ctx context.Context, j *Job) error {
	query := `
		INSERT INTO jobs (
			id, tenant_id, type, payload, status,
			priority, next_run_at, attempt, max_attempts, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err := s.db.Pool().QueryRow(ctx, query,
		j.ID, j.TenantID, j.Type, j.Payload, j.Status,
		j.Priority, j.NextRunAt, j.Attempt, j.MaxAttempts, j.CreatedBy,
	).Scan(&j.CreatedAt, &j.UpdatedAt)

	if err != nil {
		s.logger.Error("failed to enqueue job",
			zap.Error(err),
			zap.String("job_id", j.ID.String()),
			zap.String("type", j.Type),
		)
		return fmt.Errorf("insert job: %w", err)
	}

	s.logger.Info("job enqueued",
		zap.String("job_id", j.ID.String()),
		zap.String("tenant_id", j.TenantID.String()),
		zap.String("type", j.Type),
		zap.Int("priority", j.Priority),
		zap.Time("next_run_at", j.NextRunAt),
	)

	return nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)

	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return j, nil
}

// Claim atomically transitions up to limit eligible jobs to leased for the
// given worker. Eligible means queued and due, or carrying an expired
// lease (reclaim semantics for crashed workers). Selection is priority
// descending then oldest-ready-first. The attempt counter only advances
// when claiming from queued; reclaiming an expired lease re-executes the
// same attempt, which handlers must tolerate.
func (s *Store) Claim(ctx context.Context, workerID string, policies []LeasePolicy, limit int) ([]*Job, error) {
	if len(policies) == 0 || limit <= 0 {
		return nil, nil
	}

	types := make([]string, len(policies))
	timeouts := make([]int64, len(policies))
	for i, p := range policies {
		types[i] = p.Type
		timeouts[i] = int64(p.Timeout / time.Second)
	}

	rows, err := s.db.Pool().Query(ctx, `
		WITH policies AS (
			SELECT * FROM unnest($2::text[], $3::bigint[]) AS p(type, timeout_seconds)
		), eligible AS (
			SELECT id, status AS prev_status
			FROM jobs
			WHERE type = ANY($2)
			  AND (
				(status = 'queued' AND next_run_at <= NOW())
				OR (status IN ('leased', 'running') AND lease_expires_at < NOW())
			  )
			ORDER BY priority DESC, next_run_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $4
		), claimed AS (
			UPDATE jobs j SET
				status = 'leased',
				worker_id = $1,
				lease_expires_at = NOW() + make_interval(secs => p.timeout_seconds),
				attempt = CASE WHEN e.prev_status = 'queued' THEN j.attempt + 1 ELSE j.attempt END,
				updated_at = NOW()
			FROM eligible e
			JOIN policies p ON TRUE
			WHERE j.id = e.id AND j.type = p.type
			RETURNING `+jobColumns+`
		)
		SELECT * FROM claimed ORDER BY priority DESC, next_run_at ASC`,
		workerID, types, timeouts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed jobs: %w", err)
	}

	return jobs, nil
}

// MarkRunning flips a leased job to running. The conditional predicate
// ensures only the current lease holder can start execution.
func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID, workerID string) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE jobs
		SET status = 'running', updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status = 'leased'`,
		id, workerID,
	)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, id)
	}
	return nil
}

// RenewLease extends the lease of a job the worker still owns. Failing to
// renew before expiry makes the job claimable by another worker.
func (s *Store) RenewLease(ctx context.Context, id uuid.UUID, workerID string, extension time.Duration) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE jobs
		SET lease_expires_at = NOW() + make_interval(secs => $3::bigint), updated_at = NOW()
		WHERE id = $1 AND worker_id = $2
		  AND status IN ('leased', 'running')
		  AND lease_expires_at > NOW()`,
		id, workerID, int64(extension/time.Second),
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, id)
	}
	return nil
}

// Complete records a successful execution and releases the lease.
func (s *Store) Complete(ctx context.Context, id uuid.UUID, workerID string, result json.RawMessage) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE jobs
		SET status = 'succeeded', result = $3,
		    worker_id = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status = 'running'`,
		id, workerID, result,
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, id)
	}

	s.logger.Info("job succeeded", zap.String("job_id", id.String()))
	return nil
}

// Reschedule returns a failed job to the queue for a later retry.
func (s *Store) Reschedule(ctx context.Context, id uuid.UUID, workerID string, nextRunAt time.Time, errCode, errMsg string) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE jobs
		SET status = 'queued', next_run_at = $3,
		    last_error_code = $4, last_error_message = $5,
		    worker_id = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status = 'running'`,
		id, workerID, nextRunAt, errCode, errMsg,
	)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, id)
	}

	s.logger.Info("job rescheduled",
		zap.String("job_id", id.String()),
		zap.Time("next_run_at", nextRunAt),
		zap.String("error_code", errCode),
	)
	return nil
}

// MoveToDLQ parks a job in the dead-letter state for operator remediation.
func (s *Store) MoveToDLQ(ctx context.Context, id uuid.UUID, workerID string, errCode, errMsg string) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE jobs
		SET status = 'dlq',
		    last_error_code = $3, last_error_message = $4,
		    worker_id = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status = 'running'`,
		id, workerID, errCode, errMsg,
	)
	if err != nil {
		return fmt.Errorf("move job to dlq: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, id)
	}

	s.logger.Warn("job dead-lettered",
		zap.String("job_id", id.String()),
		zap.String("error_code", errCode),
		zap.String("error_message", errMsg),
	)
	return nil
}

// Cancel marks a queued job cancelled. A job already leased or running
// completes its current attempt; handlers are not preemptible.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE jobs
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'queued'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() != 0 {
		s.logger.Info("job cancelled", zap.String("job_id", id.String()))
		return nil
	}

	// Distinguish a missing job from one past the cancellable state.
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrJobNotCancellable, id)
}

// ListByTenant retrieves a tenant's jobs, optionally filtered by status,
// newest first.
func (s *Store) ListByTenant(ctx context.Context, tenantID uuid.UUID, status string, limit, offset int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := s.db.Pool().Query(ctx, query, tenantID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.TenantID, &j.Type, &j.Payload, &j.Result, &j.Status,
		&j.Priority, &j.NextRunAt, &j.WorkerID, &j.LeaseExpiresAt,
		&j.Attempt, &j.MaxAttempts, &j.LastErrCode, &j.LastErrMsg,
		&j.CreatedBy, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
