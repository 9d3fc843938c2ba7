//go:build integration

package reconciler

import (
	"context"
	"errors"
	"testing"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/testutil"
)

func TestPostgres_ClaimOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Claim(ctx, "evt_1", "payment_intent.succeeded"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := store.Claim(ctx, "evt_1", "payment_intent.succeeded"); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
}

func TestPostgres_ProcessedIsTerminal(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Claim(ctx, "evt_1", "transfer.created"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := store.MarkProcessed(ctx, "evt_1", "transfer_confirmed"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	if err := store.Claim(ctx, "evt_1", "transfer.created"); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}

	rec, err := store.Get(ctx, "evt_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != StatusProcessed || rec.Result != "transfer_confirmed" || rec.ProcessedAt == nil {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestPostgres_FailedReclaim(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Claim(ctx, "evt_1", "charge.refunded"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := store.MarkFailed(ctx, "evt_1", "escrow unavailable"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	// A redelivery of a failed event claims it again.
	if err := store.Claim(ctx, "evt_1", "charge.refunded"); err != nil {
		t.Fatalf("re-claim failed: %v", err)
	}
	rec, _ := store.Get(ctx, "evt_1")
	if rec.Status != StatusClaimed || rec.ErrorMessage != "" {
		t.Errorf("expected reset claim, got %+v", rec)
	}
}

func TestPostgres_GetMissing(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	if _, err := store.Get(context.Background(), "evt_missing"); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}
