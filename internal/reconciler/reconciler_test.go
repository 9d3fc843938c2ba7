package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/gateway"
)

type fakeEscrow struct {
	captured    []string
	failed      []string
	refunded    []string
	disputes    []string
	closed      []string
	transfers   []string
	transferErr []string
	err         error
}

func (f *fakeEscrow) ConfirmCapture(ctx context.Context, id string) error {
	f.captured = append(f.captured, id)
	return f.err
}

func (f *fakeEscrow) FailCapture(ctx context.Context, id string) error {
	f.failed = append(f.failed, id)
	return f.err
}

func (f *fakeEscrow) ConfirmRefund(ctx context.Context, id string) error {
	f.refunded = append(f.refunded, id)
	return f.err
}

func (f *fakeEscrow) OpenDispute(ctx context.Context, intentID, disputeID string) error {
	f.disputes = append(f.disputes, intentID+"/"+disputeID)
	return f.err
}

func (f *fakeEscrow) CloseDispute(ctx context.Context, disputeID string, won bool) error {
	f.closed = append(f.closed, fmt.Sprintf("%s/%t", disputeID, won))
	return f.err
}

func (f *fakeEscrow) ConfirmTransfer(ctx context.Context, id string) error {
	f.transfers = append(f.transfers, id)
	return f.err
}

func (f *fakeEscrow) FailTransfer(ctx context.Context, id string) error {
	f.transferErr = append(f.transferErr, id)
	return f.err
}

type fakePayouts struct {
	toggled map[string]bool
}

func (f *fakePayouts) SetPayoutsEnabledByAccount(ctx context.Context, accountID string, enabled bool) error {
	if f.toggled == nil {
		f.toggled = make(map[string]bool)
	}
	f.toggled[accountID] = enabled
	return nil
}

func event(id, typ string, obj any) *gateway.Event {
	raw, _ := json.Marshal(obj)
	return &gateway.Event{ID: id, Type: typ, Data: raw}
}

func newReconciler() (*Reconciler, *fakeEscrow, *fakePayouts, *MemoryStore) {
	esc := &fakeEscrow{}
	jobs := &fakePayouts{}
	store := NewMemoryStore()
	return New(store, esc, jobs), esc, jobs, store
}

func TestHandleEvent_PaymentIntentSucceeded(t *testing.T) {
	r, esc, _, store := newReconciler()
	ctx := context.Background()

	ev := event("evt_1", "payment_intent.succeeded", map[string]string{"id": "pi_123"})
	if err := r.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if len(esc.captured) != 1 || esc.captured[0] != "pi_123" {
		t.Errorf("expected capture of pi_123, got %v", esc.captured)
	}

	rec, err := store.Get(ctx, "evt_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != StatusProcessed || rec.Result != "captured" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestHandleEvent_Duplicate(t *testing.T) {
	r, esc, _, _ := newReconciler()
	ctx := context.Background()

	ev := event("evt_1", "payment_intent.succeeded", map[string]string{"id": "pi_123"})
	if err := r.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := r.HandleEvent(ctx, ev); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
	if len(esc.captured) != 1 {
		t.Errorf("duplicate delivery reached the escrow service: %v", esc.captured)
	}
}

func TestHandleEvent_FailedEventRetries(t *testing.T) {
	r, esc, _, store := newReconciler()
	ctx := context.Background()

	esc.err = errors.New("store down")
	ev := event("evt_1", "payment_intent.succeeded", map[string]string{"id": "pi_123"})
	if err := r.HandleEvent(ctx, ev); err == nil {
		t.Fatal("expected handler error")
	}

	rec, _ := store.Get(ctx, "evt_1")
	if rec.Status != StatusFailed || rec.ErrorMessage == "" {
		t.Fatalf("expected failed record, got %+v", rec)
	}

	// Redelivery after the fault clears applies the event.
	esc.err = nil
	if err := r.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	rec, _ = store.Get(ctx, "evt_1")
	if rec.Status != StatusProcessed {
		t.Errorf("expected processed after retry, got %s", rec.Status)
	}
	if len(esc.captured) != 2 {
		t.Errorf("expected two capture attempts, got %d", len(esc.captured))
	}
}

func TestHandleEvent_PaymentFailed(t *testing.T) {
	r, esc, _, _ := newReconciler()

	ev := event("evt_1", "payment_intent.payment_failed", map[string]string{"id": "pi_123"})
	if err := r.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if len(esc.failed) != 1 || esc.failed[0] != "pi_123" {
		t.Errorf("expected FailCapture for pi_123, got %v", esc.failed)
	}
}

func TestHandleEvent_CheckoutSessionCompleted(t *testing.T) {
	r, esc, _, _ := newReconciler()

	ev := event("evt_1", "checkout.session.completed",
		map[string]string{"id": "cs_1", "payment_intent": "pi_456"})
	if err := r.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if len(esc.captured) != 1 || esc.captured[0] != "pi_456" {
		t.Errorf("expected capture of pi_456, got %v", esc.captured)
	}
}

func TestHandleEvent_ChargeRefunded(t *testing.T) {
	r, esc, _, _ := newReconciler()

	ev := event("evt_1", "charge.refunded", map[string]any{
		"id":             "ch_1",
		"payment_intent": "pi_123",
		"refunds": map[string]any{
			"data": []map[string]string{{"id": "re_1"}, {"id": "re_2"}},
		},
	})
	if err := r.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if len(esc.refunded) != 2 || esc.refunded[0] != "re_1" || esc.refunded[1] != "re_2" {
		t.Errorf("expected both refund ids confirmed, got %v", esc.refunded)
	}
}

func TestHandleEvent_DisputeLifecycle(t *testing.T) {
	r, esc, _, _ := newReconciler()
	ctx := context.Background()

	created := event("evt_1", "charge.dispute.created",
		map[string]string{"id": "dp_1", "payment_intent": "pi_123"})
	if err := r.HandleEvent(ctx, created); err != nil {
		t.Fatalf("dispute.created failed: %v", err)
	}
	if len(esc.disputes) != 1 || esc.disputes[0] != "pi_123/dp_1" {
		t.Errorf("unexpected open calls: %v", esc.disputes)
	}

	won := event("evt_2", "charge.dispute.closed",
		map[string]string{"id": "dp_1", "status": "won"})
	if err := r.HandleEvent(ctx, won); err != nil {
		t.Fatalf("dispute.closed won failed: %v", err)
	}
	lost := event("evt_3", "charge.dispute.closed",
		map[string]string{"id": "dp_2", "status": "lost"})
	if err := r.HandleEvent(ctx, lost); err != nil {
		t.Fatalf("dispute.closed lost failed: %v", err)
	}
	if len(esc.closed) != 2 || esc.closed[0] != "dp_1/true" || esc.closed[1] != "dp_2/false" {
		t.Errorf("unexpected close calls: %v", esc.closed)
	}
}

func TestHandleEvent_TransferEvents(t *testing.T) {
	r, esc, _, _ := newReconciler()
	ctx := context.Background()

	created := event("evt_1", "transfer.created", map[string]string{"id": "tr_1"})
	if err := r.HandleEvent(ctx, created); err != nil {
		t.Fatalf("transfer.created failed: %v", err)
	}
	failed := event("evt_2", "transfer.failed", map[string]string{"id": "tr_2"})
	if err := r.HandleEvent(ctx, failed); err != nil {
		t.Fatalf("transfer.failed failed: %v", err)
	}
	if len(esc.transfers) != 1 || esc.transfers[0] != "tr_1" {
		t.Errorf("unexpected confirm calls: %v", esc.transfers)
	}
	if len(esc.transferErr) != 1 || esc.transferErr[0] != "tr_2" {
		t.Errorf("unexpected fail calls: %v", esc.transferErr)
	}
}

func TestHandleEvent_AccountUpdated(t *testing.T) {
	r, _, jobs, _ := newReconciler()

	ev := event("evt_1", "account.updated",
		map[string]any{"id": "acct_9", "payouts_enabled": true})
	if err := r.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if enabled, ok := jobs.toggled["acct_9"]; !ok || !enabled {
		t.Errorf("expected payouts enabled for acct_9, got %v", jobs.toggled)
	}
}

func TestHandleEvent_UnknownTypeAcknowledged(t *testing.T) {
	r, esc, _, store := newReconciler()
	ctx := context.Background()

	ev := event("evt_1", "invoice.paid", map[string]string{"id": "in_1"})
	if err := r.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if len(esc.captured)+len(esc.refunded)+len(esc.transfers) != 0 {
		t.Error("unknown event reached the escrow service")
	}
	rec, _ := store.Get(ctx, "evt_1")
	if rec.Result != "ignored" {
		t.Errorf("expected ignored result, got %q", rec.Result)
	}
}

func TestHandleEvent_MalformedPayload(t *testing.T) {
	r, _, _, store := newReconciler()
	ctx := context.Background()

	ev := &gateway.Event{ID: "evt_1", Type: "payment_intent.succeeded", Data: []byte("{broken")}
	if err := r.HandleEvent(ctx, ev); err == nil {
		t.Fatal("expected decode error")
	}
	rec, _ := store.Get(ctx, "evt_1")
	if rec.Status != StatusFailed {
		t.Errorf("expected failed record, got %+v", rec)
	}
}
