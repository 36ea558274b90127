package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stratus/internal/job"
)

type fakeItemStore struct {
	items map[uuid.UUID]*PayoutItem
	order []uuid.UUID
}

func newFakeItemStore(items ...*PayoutItem) *fakeItemStore {
	s := &fakeItemStore{items: make(map[uuid.UUID]*PayoutItem)}
	for _, item := range items {
		s.items[item.ID] = item
		s.order = append(s.order, item.ID)
	}
	return s
}

func (s *fakeItemStore) ListItems(ctx context.Context, batchID uuid.UUID) ([]PayoutItem, error) {
	out := make([]PayoutItem, 0, len(s.order))
	for _, id := range s.order {
		if s.items[id].BatchID == batchID {
			out = append(out, *s.items[id])
		}
	}
	return out, nil
}

func (s *fakeItemStore) BeginProcessing(ctx context.Context, itemID uuid.UUID) (bool, error) {
	item := s.items[itemID]
	if item.Status != PayoutPending {
		return false, nil
	}
	item.Status = PayoutProcessing
	return true, nil
}

func (s *fakeItemStore) MarkPaid(ctx context.Context, itemID uuid.UUID, pspRef string) error {
	s.items[itemID].Status = PayoutPaid
	s.items[itemID].PSPRef = pspRef
	return nil
}

func (s *fakeItemStore) MarkFailed(ctx context.Context, itemID uuid.UUID, reason string) error {
	s.items[itemID].Status = PayoutFailed
	return nil
}

type fakePSP struct {
	submissions []uuid.UUID
	errFor      map[uuid.UUID]error
}

func (p *fakePSP) SubmitPayout(ctx context.Context, item PayoutItem) (string, error) {
	p.submissions = append(p.submissions, item.ID)
	if err := p.errFor[item.ID]; err != nil {
		return "", err
	}
	return "psp-" + item.ID.String()[:8], nil
}

func item(batchID uuid.UUID, status string) *PayoutItem {
	return &PayoutItem{
		ID:          uuid.New(),
		BatchID:     batchID,
		Status:      status,
		AmountCents: 1500,
		Currency:    "USD",
		Recipient:   "acct_123",
	}
}

func TestPayout_SubmitsPendingItems(t *testing.T) {
	batchID := uuid.New()
	a, b := item(batchID, PayoutPending), item(batchID, PayoutPending)
	store := newFakeItemStore(a, b)
	psp := &fakePSP{}
	h := NewPayoutHandler(store, psp, zap.NewNop())

	result, err := h.Execute(context.Background(), batchID)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if result.Submitted != 2 || result.Skipped != 0 || result.Failed != 0 {
		t.Fatalf("result = %+v", result)
	}
	for _, it := range []*PayoutItem{a, b} {
		if store.items[it.ID].Status != PayoutPaid {
			t.Errorf("item %s status = %s, want paid", it.ID, store.items[it.ID].Status)
		}
		if store.items[it.ID].PSPRef == "" {
			t.Errorf("item %s missing psp ref", it.ID)
		}
	}
}

func TestPayout_SkipsInFlightAndTerminalItems(t *testing.T) {
	batchID := uuid.New()
	inFlight := item(batchID, PayoutProcessing)
	paid := item(batchID, PayoutPaid)
	pending := item(batchID, PayoutPending)
	store := newFakeItemStore(inFlight, paid, pending)
	psp := &fakePSP{}
	h := NewPayoutHandler(store, psp, zap.NewNop())

	result, err := h.Execute(context.Background(), batchID)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if result.Submitted != 1 || result.Skipped != 2 {
		t.Fatalf("result = %+v", result)
	}
	if len(psp.submissions) != 1 || psp.submissions[0] != pending.ID {
		t.Fatalf("psp submissions = %v, want only %s", psp.submissions, pending.ID)
	}
	if store.items[inFlight.ID].Status != PayoutProcessing {
		t.Error("in-flight item must not be touched")
	}
}

func TestPayout_ReexecutionDoesNotResubmit(t *testing.T) {
	batchID := uuid.New()
	a, b := item(batchID, PayoutPending), item(batchID, PayoutPending)
	store := newFakeItemStore(a, b)
	psp := &fakePSP{}
	h := NewPayoutHandler(store, psp, zap.NewNop())

	if _, err := h.Execute(context.Background(), batchID); err != nil {
		t.Fatalf("first execution: %v", err)
	}
	result, err := h.Execute(context.Background(), batchID)
	if err != nil {
		t.Fatalf("second execution: %v", err)
	}
	if result.Submitted != 0 || result.Skipped != 2 {
		t.Fatalf("second execution result = %+v", result)
	}
	if len(psp.submissions) != 2 {
		t.Fatalf("psp called %d times across both executions, want 2", len(psp.submissions))
	}
}

func TestPayout_RejectionFailsItemNotBatch(t *testing.T) {
	batchID := uuid.New()
	bad, good := item(batchID, PayoutPending), item(batchID, PayoutPending)
	store := newFakeItemStore(bad, good)
	psp := &fakePSP{errFor: map[uuid.UUID]error{
		bad.ID: &PSPRejectionError{Reason: "account closed"},
	}}
	h := NewPayoutHandler(store, psp, zap.NewNop())

	result, err := h.Execute(context.Background(), batchID)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if result.Submitted != 1 || result.Failed != 1 {
		t.Fatalf("result = %+v", result)
	}
	if store.items[bad.ID].Status != PayoutFailed {
		t.Errorf("rejected item status = %s, want failed", store.items[bad.ID].Status)
	}
	if store.items[good.ID].Status != PayoutPaid {
		t.Errorf("good item status = %s, want paid", store.items[good.ID].Status)
	}
}

func TestPayout_TransientProviderErrorIsRetryable(t *testing.T) {
	batchID := uuid.New()
	first, second := item(batchID, PayoutPending), item(batchID, PayoutPending)
	store := newFakeItemStore(first, second)
	psp := &fakePSP{errFor: map[uuid.UUID]error{
		second.ID: errors.New("psp timeout"),
	}}
	h := NewPayoutHandler(store, psp, zap.NewNop())

	_, err := h.Execute(context.Background(), batchID)
	var jerr *job.Error
	if !errors.As(err, &jerr) || !jerr.Retryable {
		t.Fatalf("expected retryable job error, got: %v", err)
	}
	if jerr.Code != job.CodeProviderUnavailable {
		t.Errorf("code = %s, want %s", jerr.Code, job.CodeProviderUnavailable)
	}
	// The item submitted before the failure must keep its paid state.
	if store.items[first.ID].Status != PayoutPaid {
		t.Errorf("first item status = %s, want paid", store.items[first.ID].Status)
	}
}

func TestPayoutJobDefinition_ValidateRejectsMissingBatch(t *testing.T) {
	def := PayoutJobDefinition(NewPayoutHandler(newFakeItemStore(), &fakePSP{}, zap.NewNop()))
	if err := def.Validate([]byte(`{}`)); err == nil {
		t.Fatal("expected validation error for missing batch_id")
	}
	if err := def.Validate([]byte(`{"batch_id":"` + uuid.New().String() + `"}`)); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}
