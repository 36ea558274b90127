// Package worker runs the polling loops that claim, execute, and settle
// jobs. Multiple worker processes can poll the same jobs table; safety
// rests entirely on the store's atomic conditional claim.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stratus/internal/backoff"
	"github.com/lalithlochan/stratus/internal/job"
	"github.com/lalithlochan/stratus/internal/metrics"
)

// Store is the slice of the job store the worker needs.
type Store interface {
	Claim(ctx context.Context, workerID string, policies []job.LeasePolicy, limit int) ([]*job.Job, error)
	MarkRunning(ctx context.Context, id uuid.UUID, workerID string) error
	RenewLease(ctx context.Context, id uuid.UUID, workerID string, extension time.Duration) error
	Complete(ctx context.Context, id uuid.UUID, workerID string, result json.RawMessage) error
	Reschedule(ctx context.Context, id uuid.UUID, workerID string, nextRunAt time.Time, errCode, errMsg string) error
	MoveToDLQ(ctx context.Context, id uuid.UUID, workerID string, errCode, errMsg string) error
}

// Config tunes the worker pool.
type Config struct {
	// WorkerID identifies this process in lease ownership columns.
	// Defaults to a fresh UUID.
	WorkerID string

	// Concurrency is the number of parallel polling loops.
	Concurrency int

	PollInterval time.Duration
	BatchSize    int

	// Backoff computes retry delays for rescheduled jobs.
	Backoff backoff.Strategy
}

// Pool claims eligible jobs and executes their registered handlers.
type Pool struct {
	store    Store
	registry *job.Registry
	config   Config
	logger   *zap.Logger

	policies []job.LeasePolicy
}

// New creates a worker pool over the given store and registry.
func New(store Store, registry *job.Registry, cfg Config, logger *zap.Logger) *Pool {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.Default()
	}

	var policies []job.LeasePolicy
	for _, t := range registry.Types() {
		p, err := registry.Policy(t)
		if err != nil {
			continue
		}
		policies = append(policies, job.LeasePolicy{Type: t, Timeout: p.Timeout})
	}

	return &Pool{
		store:    store,
		registry: registry,
		config:   cfg,
		logger:   logger,
		policies: policies,
	}
}

// Start runs the polling loops until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.config.Concurrency; i++ {
		wg.Add(1)
		loopID := fmt.Sprintf("%s-%d", p.config.WorkerID, i)
		go func() {
			defer wg.Done()
			p.runLoop(ctx, loopID)
		}()
	}
	wg.Wait()
	p.logger.Info("worker pool stopped", zap.String("worker_id", p.config.WorkerID))
}

func (p *Pool) runLoop(ctx context.Context, loopID string) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.processBatch(ctx, loopID)
		}
	}
}

func (p *Pool) processBatch(ctx context.Context, loopID string) {
	jobs, err := p.store.Claim(ctx, loopID, p.policies, p.config.BatchSize)
	if err != nil {
		p.logger.Error("failed to claim jobs", zap.Error(err), zap.String("worker_id", loopID))
		return
	}

	for _, j := range jobs {
		metrics.RecordJobClaimed(j.Type)
		p.Process(ctx, loopID, j)
	}
}

// Process executes one claimed job through its handler and writes back
// the terminal or retry state. Exported so tests can drive a single job
// without the polling loop.
func (p *Pool) Process(ctx context.Context, loopID string, j *job.Job) {
	start := time.Now()

	def, err := p.registry.Resolve(j.Type)
	if err != nil {
		// A claimed job with no registered handler is a deployment
		// mismatch; dead-letter so it stays visible to operators.
		p.logger.Error("claimed job has no registered handler",
			zap.String("job_id", j.ID.String()),
			zap.String("type", j.Type),
		)
		if err := p.store.MarkRunning(ctx, j.ID, loopID); err == nil {
			_ = p.store.MoveToDLQ(ctx, j.ID, loopID, job.CodeUnknown, "no handler registered for type "+j.Type)
		}
		return
	}

	if err := p.store.MarkRunning(ctx, j.ID, loopID); err != nil {
		// Lost the lease between claim and start; someone else owns it.
		p.logger.Warn("lease lost before execution",
			zap.Error(err),
			zap.String("job_id", j.ID.String()),
		)
		return
	}

	p.logger.Info("job execution started",
		zap.String("job_id", j.ID.String()),
		zap.String("type", j.Type),
		zap.Int("attempt", j.Attempt),
		zap.String("worker_id", loopID),
	)

	result, handlerErr := p.runHandler(ctx, loopID, def, j)
	duration := time.Since(start)

	if handlerErr == nil {
		if err := p.store.Complete(ctx, j.ID, loopID, result); err != nil {
			p.logger.Error("failed to record job success",
				zap.Error(err),
				zap.String("job_id", j.ID.String()),
			)
			return
		}
		metrics.RecordJobProcessed(j.Type, "succeeded", duration)
		return
	}

	p.settleFailure(ctx, loopID, j, handlerErr, duration)
}

// runHandler invokes the handler under the lease timeout and keeps the
// lease renewed while it runs.
func (p *Pool) runHandler(ctx context.Context, loopID string, def *job.Definition, j *job.Job) (json.RawMessage, error) {
	handlerCtx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	renewCtx, stopRenewal := context.WithCancel(ctx)
	defer stopRenewal()
	go p.renewLoop(renewCtx, loopID, j.ID, def.Timeout)

	return def.Handler(handlerCtx, j)
}

// renewLoop extends the lease at a third of its duration so a healthy
// long-running handler is never reclaimed mid-flight.
func (p *Pool) renewLoop(ctx context.Context, loopID string, id uuid.UUID, timeout time.Duration) {
	interval := timeout / 3
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.RenewLease(ctx, id, loopID, timeout); err != nil {
				p.logger.Warn("lease renewal failed",
					zap.Error(err),
					zap.String("job_id", id.String()),
				)
				return
			}
		}
	}
}

// settleFailure classifies a handler error and writes the next state:
// non-retryable errors dead-letter immediately, retryable ones reschedule
// with backoff until the attempt budget is spent.
func (p *Pool) settleFailure(ctx context.Context, loopID string, j *job.Job, handlerErr error, duration time.Duration) {
	classified := job.Classify(handlerErr)

	p.logger.Error("job execution failed",
		zap.String("job_id", j.ID.String()),
		zap.String("type", j.Type),
		zap.Int("attempt", j.Attempt),
		zap.String("error_code", classified.Code),
		zap.Bool("retryable", classified.Retryable),
		zap.Error(handlerErr),
	)

	if !classified.Retryable || j.Attempt >= j.MaxAttempts {
		if err := p.store.MoveToDLQ(ctx, j.ID, loopID, classified.Code, classified.Message); err != nil {
			p.logger.Error("failed to dead-letter job",
				zap.Error(err),
				zap.String("job_id", j.ID.String()),
			)
			return
		}
		metrics.RecordJobProcessed(j.Type, "dlq", duration)
		return
	}

	nextRunAt := time.Now().Add(p.config.Backoff.Delay(j.Attempt))
	if err := p.store.Reschedule(ctx, j.ID, loopID, nextRunAt, classified.Code, classified.Message); err != nil {
		p.logger.Error("failed to reschedule job",
			zap.Error(err),
			zap.String("job_id", j.ID.String()),
		)
		return
	}
	metrics.RecordJobProcessed(j.Type, "rescheduled", duration)
}
