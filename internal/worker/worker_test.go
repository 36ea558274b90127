package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stratus/internal/backoff"
	"github.com/lalithlochan/stratus/internal/job"
)

// memStore implements Store in memory with the same conditional-update
// contract as the Postgres store: claims are atomic, mutations only
// succeed for the current lease holder, and terminal jobs are never
// eligible again.
type memStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*job.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*job.Job)}
}

func (m *memStore) add(j *job.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
}

func (m *memStore) get(id uuid.UUID) job.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memStore) setNextRunAt(id uuid.UUID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].NextRunAt = at
}

func (m *memStore) expireLease(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	past := time.Now().Add(-time.Minute)
	m.jobs[id].LeaseExpiresAt = &past
}

func (m *memStore) Claim(_ context.Context, workerID string, policies []job.LeasePolicy, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	timeouts := make(map[string]time.Duration, len(policies))
	for _, p := range policies {
		timeouts[p.Type] = p.Timeout
	}

	now := time.Now()
	var eligible []*job.Job
	for _, j := range m.jobs {
		if _, ok := timeouts[j.Type]; !ok {
			continue
		}
		due := j.Status == job.StatusQueued && !j.NextRunAt.After(now)
		expired := (j.Status == job.StatusLeased || j.Status == job.StatusRunning) &&
			j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
		if due || expired {
			eligible = append(eligible, j)
		}
	}

	sort.Slice(eligible, func(i, k int) bool {
		if eligible[i].Priority != eligible[k].Priority {
			return eligible[i].Priority > eligible[k].Priority
		}
		return eligible[i].NextRunAt.Before(eligible[k].NextRunAt)
	})

	var claimed []*job.Job
	for _, j := range eligible {
		if len(claimed) == limit {
			break
		}
		if j.Status == job.StatusQueued {
			j.Attempt++
		}
		j.Status = job.StatusLeased
		w := workerID
		j.WorkerID = &w
		expires := now.Add(timeouts[j.Type])
		j.LeaseExpiresAt = &expires
		copied := *j
		claimed = append(claimed, &copied)
	}
	return claimed, nil
}

func (m *memStore) MarkRunning(_ context.Context, id uuid.UUID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != job.StatusLeased || j.WorkerID == nil || *j.WorkerID != workerID {
		return job.ErrLeaseLost
	}
	j.Status = job.StatusRunning
	return nil
}

func (m *memStore) RenewLease(_ context.Context, id uuid.UUID, workerID string, extension time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.WorkerID == nil || *j.WorkerID != workerID ||
		(j.Status != job.StatusLeased && j.Status != job.StatusRunning) ||
		j.LeaseExpiresAt == nil || j.LeaseExpiresAt.Before(time.Now()) {
		return job.ErrLeaseLost
	}
	expires := time.Now().Add(extension)
	j.LeaseExpiresAt = &expires
	return nil
}

func (m *memStore) settle(id uuid.UUID, workerID string, mutate func(*job.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != job.StatusRunning || j.WorkerID == nil || *j.WorkerID != workerID {
		return job.ErrLeaseLost
	}
	mutate(j)
	j.WorkerID = nil
	j.LeaseExpiresAt = nil
	return nil
}

func (m *memStore) Complete(_ context.Context, id uuid.UUID, workerID string, result json.RawMessage) error {
	return m.settle(id, workerID, func(j *job.Job) {
		j.Status = job.StatusSucceeded
		j.Result = result
	})
}

func (m *memStore) Reschedule(_ context.Context, id uuid.UUID, workerID string, nextRunAt time.Time, errCode, errMsg string) error {
	return m.settle(id, workerID, func(j *job.Job) {
		j.Status = job.StatusQueued
		j.NextRunAt = nextRunAt
		j.LastErrCode = &errCode
		j.LastErrMsg = &errMsg
	})
}

func (m *memStore) MoveToDLQ(_ context.Context, id uuid.UUID, workerID string, errCode, errMsg string) error {
	return m.settle(id, workerID, func(j *job.Job) {
		j.Status = job.StatusDLQ
		j.LastErrCode = &errCode
		j.LastErrMsg = &errMsg
	})
}

func queuedJob(jobType string, maxAttempts int) *job.Job {
	return &job.Job{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		Type:        jobType,
		Payload:     []byte(`{}`),
		Status:      job.StatusQueued,
		NextRunAt:   time.Now().Add(-time.Second),
		MaxAttempts: maxAttempts,
	}
}

// runOnce claims and processes at most one job, returning whether any
// job was claimed.
func runOnce(t *testing.T, pool *Pool, store *memStore, workerID string) bool {
	t.Helper()
	jobs, err := store.Claim(context.Background(), workerID, pool.policies, 1)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(jobs) == 0 {
		return false
	}
	pool.Process(context.Background(), workerID, jobs[0])
	return true
}

func TestPool_TransientFailuresThenSuccess(t *testing.T) {
	store := newMemStore()
	registry := job.NewRegistry()

	calls := 0
	registry.Register(&job.Definition{
		Type:        "export.audit",
		MaxAttempts: 3,
		Timeout:     time.Minute,
		Handler: func(_ context.Context, _ *job.Job) (json.RawMessage, error) {
			calls++
			if calls <= 2 {
				return nil, job.NewRetryable(job.CodeProviderUnavailable, "provider busy")
			}
			return json.RawMessage(`{"exported":true}`), nil
		},
	})

	pool := New(store, registry, Config{Backoff: backoff.NewExponential(time.Minute, time.Hour)}, zap.NewNop())

	j := queuedJob("export.audit", 3)
	store.add(j)

	var scheduled []time.Time
	for i := 0; i < 3; i++ {
		if !runOnce(t, pool, store, "w1") {
			t.Fatalf("cycle %d: no job claimed", i)
		}
		state := store.get(j.ID)
		if state.Status == job.StatusQueued {
			scheduled = append(scheduled, state.NextRunAt)
			// Pull the retry forward so the next cycle can claim it.
			store.setNextRunAt(j.ID, time.Now().Add(-time.Second))
		}
	}

	final := store.get(j.ID)
	if final.Status != job.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", final.Status)
	}
	if final.Attempt != 3 {
		t.Errorf("attempt = %d, want 3", final.Attempt)
	}
	if len(scheduled) != 2 {
		t.Fatalf("reschedules = %d, want 2", len(scheduled))
	}
	if !scheduled[1].After(scheduled[0]) {
		t.Errorf("retry times not strictly increasing: %v then %v", scheduled[0], scheduled[1])
	}
	if string(final.Result) != `{"exported":true}` {
		t.Errorf("result = %s", final.Result)
	}
}

func TestPool_SingleAttemptBudgetDeadLetters(t *testing.T) {
	store := newMemStore()
	registry := job.NewRegistry()
	registry.Register(&job.Definition{
		Type:        "render.pdf",
		MaxAttempts: 1,
		Timeout:     time.Minute,
		Handler: func(_ context.Context, _ *job.Job) (json.RawMessage, error) {
			return nil, job.NewRetryable(job.CodeProviderUnavailable, "renderer down")
		},
	})

	pool := New(store, registry, Config{Backoff: backoff.NewConstant(time.Minute)}, zap.NewNop())

	j := queuedJob("render.pdf", 1)
	store.add(j)

	if !runOnce(t, pool, store, "w1") {
		t.Fatal("no job claimed")
	}

	final := store.get(j.ID)
	if final.Status != job.StatusDLQ {
		t.Fatalf("status = %s, want dlq", final.Status)
	}
	if final.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", final.Attempt)
	}
	if final.Attempt > final.MaxAttempts {
		t.Errorf("attempt %d exceeds max attempts %d in dlq", final.Attempt, final.MaxAttempts)
	}
}

func TestPool_NonRetryableSkipsRemainingBudget(t *testing.T) {
	store := newMemStore()
	registry := job.NewRegistry()
	registry.Register(&job.Definition{
		Type:        "payout.execute",
		MaxAttempts: 10,
		Timeout:     time.Minute,
		Handler: func(_ context.Context, _ *job.Job) (json.RawMessage, error) {
			return nil, job.NewPermanent(job.CodeDataMissing, "payload missing batch_id")
		},
	})

	pool := New(store, registry, Config{Backoff: backoff.NewConstant(time.Minute)}, zap.NewNop())

	j := queuedJob("payout.execute", 10)
	store.add(j)

	if !runOnce(t, pool, store, "w1") {
		t.Fatal("no job claimed")
	}

	final := store.get(j.ID)
	if final.Status != job.StatusDLQ {
		t.Fatalf("status = %s, want dlq (non-retryable must not consume the budget)", final.Status)
	}
	if final.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", final.Attempt)
	}
	if final.LastErrCode == nil || *final.LastErrCode != job.CodeDataMissing {
		t.Errorf("last error code = %v, want %s", final.LastErrCode, job.CodeDataMissing)
	}
}

func TestClaim_ExclusiveUnderContention(t *testing.T) {
	store := newMemStore()
	j := queuedJob("export.audit", 3)
	store.add(j)

	policies := []job.LeasePolicy{{Type: "export.audit", Timeout: time.Minute}}

	const claimers = 32
	var wg sync.WaitGroup
	wins := make(chan string, claimers)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := store.Claim(context.Background(), uuid.NewString(), policies, 1)
			if err != nil {
				t.Errorf("claim error: %v", err)
				return
			}
			if len(got) == 1 {
				wins <- *got[0].WorkerID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("claim winners = %d, want exactly 1", len(winners))
	}

	state := store.get(j.ID)
	if state.Attempt != 1 {
		t.Errorf("attempt = %d after single claim, want 1", state.Attempt)
	}
}

func TestClaim_ExpiredLeaseIsReclaimableAtSameAttempt(t *testing.T) {
	store := newMemStore()
	j := queuedJob("export.audit", 3)
	store.add(j)

	policies := []job.LeasePolicy{{Type: "export.audit", Timeout: time.Minute}}
	ctx := context.Background()

	first, err := store.Claim(ctx, "w1", policies, 1)
	if err != nil || len(first) != 1 {
		t.Fatalf("first claim = (%v, %v), want one job", first, err)
	}
	if first[0].Attempt != 1 {
		t.Fatalf("attempt after first claim = %d, want 1", first[0].Attempt)
	}

	// A live lease must not be claimable.
	if again, _ := store.Claim(ctx, "w2", policies, 1); len(again) != 0 {
		t.Fatal("claimed a job with an active lease")
	}

	// Simulate a stalled worker: the lease lapses without renewal.
	store.expireLease(j.ID)

	second, err := store.Claim(ctx, "w2", policies, 1)
	if err != nil || len(second) != 1 {
		t.Fatalf("reclaim = (%v, %v), want one job", second, err)
	}
	if second[0].Attempt != 1 {
		t.Errorf("attempt after reclaim = %d, want 1 (same attempt re-executed)", second[0].Attempt)
	}

	// The stalled worker can no longer settle the job.
	if err := store.MarkRunning(ctx, j.ID, "w1"); !errors.Is(err, job.ErrLeaseLost) {
		t.Errorf("stalled worker MarkRunning = %v, want ErrLeaseLost", err)
	}
}

func TestPool_PriorityOrderPreferred(t *testing.T) {
	store := newMemStore()

	low := queuedJob("export.audit", 3)
	low.Priority = 1
	low.NextRunAt = time.Now().Add(-time.Hour)
	high := queuedJob("export.audit", 3)
	high.Priority = 10
	store.add(low)
	store.add(high)

	policies := []job.LeasePolicy{{Type: "export.audit", Timeout: time.Minute}}
	got, err := store.Claim(context.Background(), "w1", policies, 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("claim = (%v, %v)", got, err)
	}
	if got[0].ID != high.ID {
		t.Error("higher priority job was not claimed first")
	}
}

func TestPool_HandlerTimeoutIsRetryable(t *testing.T) {
	store := newMemStore()
	registry := job.NewRegistry()
	registry.Register(&job.Definition{
		Type:        "anchor.chain",
		MaxAttempts: 3,
		Timeout:     20 * time.Millisecond,
		Handler: func(ctx context.Context, _ *job.Job) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	pool := New(store, registry, Config{Backoff: backoff.NewConstant(time.Minute)}, zap.NewNop())

	j := queuedJob("anchor.chain", 3)
	store.add(j)

	if !runOnce(t, pool, store, "w1") {
		t.Fatal("no job claimed")
	}

	final := store.get(j.ID)
	if final.Status != job.StatusQueued {
		t.Fatalf("status = %s, want queued (timeout reschedules)", final.Status)
	}
	if final.LastErrCode == nil || *final.LastErrCode != job.CodeTimeout {
		t.Errorf("last error code = %v, want %s", final.LastErrCode, job.CodeTimeout)
	}
}
