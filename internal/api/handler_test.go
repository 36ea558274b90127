package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stratus/internal/job"
	"github.com/lalithlochan/stratus/internal/notify"
)

// Common test errors
var ErrDatabaseError = errors.New("database error")

// MockEnqueuer is a fake job enqueuer for testing
type MockEnqueuer struct {
	knownTypes map[string]bool
	enqueued   []job.EnqueueRequest
	shouldFail bool
}

func NewMockEnqueuer(types ...string) *MockEnqueuer {
	known := make(map[string]bool)
	for _, t := range types {
		known[t] = true
	}
	return &MockEnqueuer{knownTypes: known}
}

func (m *MockEnqueuer) Enqueue(ctx context.Context, req job.EnqueueRequest) (*job.Job, error) {
	if !m.knownTypes[req.Type] {
		return nil, job.ErrUnknownJobType
	}
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	m.enqueued = append(m.enqueued, req)
	j := &job.Job{
		ID:       uuid.New(),
		TenantID: req.TenantID,
		Type:     req.Type,
		Payload:  req.Payload,
		Status:   job.StatusQueued,
	}
	return j, nil
}

// MockJobReader is a fake job store for testing
type MockJobReader struct {
	jobs       map[uuid.UUID]*job.Job
	shouldFail bool
}

func NewMockJobReader() *MockJobReader {
	return &MockJobReader{jobs: make(map[uuid.UUID]*job.Job)}
}

func (m *MockJobReader) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, job.ErrJobNotFound
	}
	return j, nil
}

func (m *MockJobReader) ListByTenant(ctx context.Context, tenantID uuid.UUID, status string, limit, offset int) ([]*job.Job, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	var result []*job.Job
	for _, j := range m.jobs {
		if j.TenantID == tenantID && (status == "" || j.Status == status) {
			result = append(result, j)
		}
	}
	return result, nil
}

func (m *MockJobReader) Cancel(ctx context.Context, id uuid.UUID) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	j, ok := m.jobs[id]
	if !ok {
		return job.ErrJobNotFound
	}
	if j.Status != job.StatusQueued {
		return job.ErrJobNotCancellable
	}
	j.Status = job.StatusCancelled
	return nil
}

// MockNotificationStore is a fake notification store for testing
type MockNotificationStore struct {
	notifications map[uuid.UUID]*notify.Notification
	attempts      map[uuid.UUID][]*notify.DispatchAttempt
	shouldFail    bool
}

func NewMockNotificationStore() *MockNotificationStore {
	return &MockNotificationStore{
		notifications: make(map[uuid.UUID]*notify.Notification),
		attempts:      make(map[uuid.UUID][]*notify.DispatchAttempt),
	}
}

func (m *MockNotificationStore) CreateNotification(ctx context.Context, n *notify.Notification) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	m.notifications[n.ID] = n
	return nil
}

func (m *MockNotificationStore) GetNotification(ctx context.Context, id uuid.UUID) (*notify.Notification, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	n, ok := m.notifications[id]
	if !ok {
		return nil, notify.ErrNotificationNotFound
	}
	return n, nil
}

func (m *MockNotificationStore) ListAttempts(ctx context.Context, notificationID uuid.UUID) ([]*notify.DispatchAttempt, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	return m.attempts[notificationID], nil
}

type testEnv struct {
	enqueuer      *MockEnqueuer
	jobs          *MockJobReader
	notifications *MockNotificationStore
	router        *chi.Mux
}

func setupTestHandler(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		enqueuer:      NewMockEnqueuer("payout.execute", notify.JobType),
		jobs:          NewMockJobReader(),
		notifications: NewMockNotificationStore(),
	}
	h := NewHandler(zap.NewNop(), env.enqueuer, env.jobs, env.notifications)

	r := chi.NewRouter()
	r.Post("/v1/jobs", h.EnqueueJob)
	r.Get("/v1/jobs", h.ListJobs)
	r.Get("/v1/jobs/{id}", h.GetJob)
	r.Post("/v1/jobs/{id}/cancel", h.CancelJob)
	r.Get("/v1/dlq", h.ListDeadLetterQueue)
	r.Post("/v1/notifications", h.CreateNotification)
	r.Get("/v1/notifications/{id}", h.GetNotification)
	r.Get("/v1/notifications/{id}/attempts", h.ListAttempts)
	env.router = r
	return env
}

func doRequest(env *testEnv, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func TestEnqueueJob(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		env := setupTestHandler(t)
		rec := doRequest(env, "POST", "/v1/jobs", map[string]interface{}{
			"tenant_id": uuid.New().String(),
			"type":      "payout.execute",
			"payload":   map[string]string{"batch_id": uuid.New().String()},
		})

		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
		}
		var j job.Job
		if err := json.Unmarshal(rec.Body.Bytes(), &j); err != nil {
			t.Fatalf("invalid response body: %v", err)
		}
		if j.ID == uuid.Nil {
			t.Error("response missing job id")
		}
		if j.Status != job.StatusQueued {
			t.Errorf("status = %s, want queued", j.Status)
		}
		if len(env.enqueuer.enqueued) != 1 {
			t.Fatalf("enqueued %d jobs, want 1", len(env.enqueuer.enqueued))
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		env := setupTestHandler(t)
		rec := doRequest(env, "POST", "/v1/jobs", map[string]interface{}{
			"tenant_id": uuid.New().String(),
			"type":      "no.such.type",
		})

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		var errResp ErrorResponse
		_ = json.Unmarshal(rec.Body.Bytes(), &errResp)
		if errResp.Type != "unknown_job_type" {
			t.Errorf("error type = %s, want unknown_job_type", errResp.Type)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		env := setupTestHandler(t)
		rec := doRequest(env, "POST", "/v1/jobs", map[string]interface{}{
			"type": "payout.execute",
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		env := setupTestHandler(t)
		req := httptest.NewRequest("POST", "/v1/jobs", bytes.NewBufferString("{not json"))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("invalid tenant id", func(t *testing.T) {
		env := setupTestHandler(t)
		rec := doRequest(env, "POST", "/v1/jobs", map[string]interface{}{
			"tenant_id": "not-a-uuid",
			"type":      "payout.execute",
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}

func TestGetJob(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		env := setupTestHandler(t)
		j := &job.Job{ID: uuid.New(), TenantID: uuid.New(), Type: "payout.execute", Status: job.StatusQueued}
		env.jobs.jobs[j.ID] = j

		rec := doRequest(env, "GET", "/v1/jobs/"+j.ID.String(), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var got job.Job
		_ = json.Unmarshal(rec.Body.Bytes(), &got)
		if got.ID != j.ID {
			t.Errorf("id = %s, want %s", got.ID, j.ID)
		}
	})

	t.Run("not found", func(t *testing.T) {
		env := setupTestHandler(t)
		rec := doRequest(env, "GET", "/v1/jobs/"+uuid.New().String(), nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("invalid id", func(t *testing.T) {
		env := setupTestHandler(t)
		rec := doRequest(env, "GET", "/v1/jobs/abc", nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}

func TestCancelJob(t *testing.T) {
	t.Run("queued job is cancelled", func(t *testing.T) {
		env := setupTestHandler(t)
		j := &job.Job{ID: uuid.New(), TenantID: uuid.New(), Status: job.StatusQueued}
		env.jobs.jobs[j.ID] = j

		rec := doRequest(env, "POST", "/v1/jobs/"+j.ID.String()+"/cancel", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
		}
		if j.Status != job.StatusCancelled {
			t.Errorf("job status = %s, want cancelled", j.Status)
		}
	})

	t.Run("running job conflicts", func(t *testing.T) {
		env := setupTestHandler(t)
		j := &job.Job{ID: uuid.New(), TenantID: uuid.New(), Status: job.StatusRunning}
		env.jobs.jobs[j.ID] = j

		rec := doRequest(env, "POST", "/v1/jobs/"+j.ID.String()+"/cancel", nil)
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		env := setupTestHandler(t)
		rec := doRequest(env, "POST", "/v1/jobs/"+uuid.New().String()+"/cancel", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})
}

func TestListJobs(t *testing.T) {
	t.Run("requires tenant id", func(t *testing.T) {
		env := setupTestHandler(t)
		rec := doRequest(env, "GET", "/v1/jobs", nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("filters by tenant", func(t *testing.T) {
		env := setupTestHandler(t)
		tenantID := uuid.New()
		mine := &job.Job{ID: uuid.New(), TenantID: tenantID, Status: job.StatusQueued}
		other := &job.Job{ID: uuid.New(), TenantID: uuid.New(), Status: job.StatusQueued}
		env.jobs.jobs[mine.ID] = mine
		env.jobs.jobs[other.ID] = other

		rec := doRequest(env, "GET", "/v1/jobs?tenant_id="+tenantID.String(), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var resp struct {
			Count int `json:"count"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("count = %d, want 1", resp.Count)
		}
	})
}

func TestListDeadLetterQueue(t *testing.T) {
	env := setupTestHandler(t)
	tenantID := uuid.New()
	dead := &job.Job{ID: uuid.New(), TenantID: tenantID, Status: job.StatusDLQ}
	alive := &job.Job{ID: uuid.New(), TenantID: tenantID, Status: job.StatusQueued}
	env.jobs.jobs[dead.ID] = dead
	env.jobs.jobs[alive.ID] = alive

	rec := doRequest(env, "GET", "/v1/dlq?tenant_id="+tenantID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Data  []*job.Job `json:"data"`
		Count int        `json:"count"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Count != 1 {
		t.Fatalf("count = %d, want 1", resp.Count)
	}
	if resp.Data[0].ID != dead.ID {
		t.Errorf("listed job %s, want dead-lettered %s", resp.Data[0].ID, dead.ID)
	}
}

func TestCreateNotification(t *testing.T) {
	validBody := func() map[string]interface{} {
		return map[string]interface{}{
			"tenant_id":  uuid.New().String(),
			"type":       "invoice.ready",
			"recipients": []string{uuid.New().String()},
			"channels":   []string{"email", "in_app"},
			"content": map[string]interface{}{
				"email":  map[string]string{"subject": "Invoice ready", "body": "Your invoice is ready"},
				"in_app": map[string]string{"body": "Invoice ready"},
			},
		}
	}

	t.Run("success enqueues dispatch job", func(t *testing.T) {
		env := setupTestHandler(t)
		rec := doRequest(env, "POST", "/v1/notifications", validBody())

		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
		}
		var resp CreatedResponse
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		notifID, err := uuid.Parse(resp.ID)
		if err != nil {
			t.Fatalf("response id is not a uuid: %q", resp.ID)
		}

		stored, ok := env.notifications.notifications[notifID]
		if !ok {
			t.Fatal("notification not persisted")
		}
		if stored.Status != notify.StatusQueued {
			t.Errorf("status = %s, want queued", stored.Status)
		}

		if len(env.enqueuer.enqueued) != 1 {
			t.Fatalf("enqueued %d jobs, want 1", len(env.enqueuer.enqueued))
		}
		req := env.enqueuer.enqueued[0]
		if req.Type != notify.JobType {
			t.Errorf("job type = %s, want %s", req.Type, notify.JobType)
		}
		var payload notify.DispatchPayload
		_ = json.Unmarshal(req.Payload, &payload)
		if payload.NotificationID != notifID {
			t.Error("dispatch payload does not reference the created notification")
		}
	})

	t.Run("invalid channel", func(t *testing.T) {
		env := setupTestHandler(t)
		body := validBody()
		body["channels"] = []string{"carrier_pigeon"}
		rec := doRequest(env, "POST", "/v1/notifications", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("missing recipients", func(t *testing.T) {
		env := setupTestHandler(t)
		body := validBody()
		body["recipients"] = []string{}
		rec := doRequest(env, "POST", "/v1/notifications", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("database failure", func(t *testing.T) {
		env := setupTestHandler(t)
		env.notifications.shouldFail = true
		rec := doRequest(env, "POST", "/v1/notifications", validBody())
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rec.Code)
		}
	})
}

func TestGetNotification(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		env := setupTestHandler(t)
		n := &notify.Notification{
			ID:       uuid.New(),
			TenantID: uuid.New(),
			Status:   notify.StatusSent,
			Channels: []notify.Channel{notify.ChannelEmail},
		}
		env.notifications.notifications[n.ID] = n

		rec := doRequest(env, "GET", "/v1/notifications/"+n.ID.String(), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var got notify.Notification
		_ = json.Unmarshal(rec.Body.Bytes(), &got)
		if got.ID != n.ID || got.Status != notify.StatusSent {
			t.Errorf("got %s/%s, want %s/sent", got.ID, got.Status, n.ID)
		}
	})

	t.Run("not found", func(t *testing.T) {
		env := setupTestHandler(t)
		rec := doRequest(env, "GET", "/v1/notifications/"+uuid.New().String(), nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})
}

func TestListAttempts(t *testing.T) {
	env := setupTestHandler(t)
	notifID := uuid.New()
	env.notifications.attempts[notifID] = []*notify.DispatchAttempt{
		{ID: uuid.New(), NotificationID: notifID, Channel: notify.ChannelEmail, Attempt: 1, Status: notify.AttemptFailed},
		{ID: uuid.New(), NotificationID: notifID, Channel: notify.ChannelEmail, Attempt: 2, Status: notify.AttemptSuccess},
	}

	rec := doRequest(env, "GET", "/v1/notifications/"+notifID.String()+"/attempts", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Data  []*notify.DispatchAttempt `json:"data"`
		Count int                       `json:"count"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}
	if resp.Data[1].Attempt != 2 {
		t.Errorf("attempt ordering lost: %d", resp.Data[1].Attempt)
	}
}
