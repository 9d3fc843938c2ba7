//go:build integration

package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/idgen"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/testutil"
)

func pgAccount() *Account {
	now := time.Now()
	return &Account{
		ID:              idgen.WithPrefix("esc_"),
		JobID:           idgen.WithPrefix("job_"),
		ClientID:        "usr_client",
		ProfessionalID:  "usr_pro",
		Amount:          100000,
		Currency:        "eur",
		Status:          StatusPending,
		PaymentIntentID: idgen.WithPrefix("pi_"),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestPostgres_AccountRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	a := pgAccount()
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPending || got.Amount != 100000 || got.PaymentIntentID != a.PaymentIntentID {
		t.Errorf("unexpected row: %+v", got)
	}

	byIntent, err := store.GetByPaymentIntent(ctx, a.PaymentIntentID)
	if err != nil {
		t.Fatalf("GetByPaymentIntent failed: %v", err)
	}
	if byIntent.ID != a.ID {
		t.Errorf("expected %s, got %s", a.ID, byIntent.ID)
	}

	now := time.Now()
	got.Status = StatusHeld
	got.CapturedAt = &now
	got.UpdatedAt = now
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	held, _ := store.Get(ctx, a.ID)
	if held.Status != StatusHeld || held.CapturedAt == nil {
		t.Errorf("update lost fields: %+v", held)
	}
}

func TestPostgres_ActiveByJob(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	a := pgAccount()
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	active, err := store.ActiveByJob(ctx, a.JobID)
	if err != nil {
		t.Fatalf("ActiveByJob failed: %v", err)
	}
	if active.ID != a.ID {
		t.Errorf("expected %s, got %s", a.ID, active.ID)
	}

	// A failed account does not block re-funding.
	active.Status = StatusFailed
	active.UpdatedAt = time.Now()
	if err := store.Update(ctx, active); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, err := store.ActiveByJob(ctx, a.JobID); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestPostgres_CreateRejectsSecondLiveAccount(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	a := pgAccount()
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	dup := pgAccount()
	dup.JobID = a.JobID
	if err := store.Create(ctx, dup); !errors.Is(err, ErrAlreadyFunded) {
		t.Fatalf("expected ErrAlreadyFunded, got %v", err)
	}

	// Failing the first account frees the job for a new attempt.
	a.Status = StatusFailed
	a.UpdatedAt = time.Now()
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := store.Create(ctx, dup); err != nil {
		t.Fatalf("Create after failed account: %v", err)
	}
}

func TestPostgres_Milestones(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	a := pgAccount()
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	m := &Milestone{
		ID:        idgen.WithPrefix("mls_"),
		AccountID: a.ID,
		Title:     "Demolition",
		Amount:    40000,
		Status:    MilestonePending,
		CreatedAt: time.Now(),
	}
	if err := store.CreateMilestone(ctx, m); err != nil {
		t.Fatalf("CreateMilestone failed: %v", err)
	}

	now := time.Now()
	m.Status = MilestoneReleased
	m.LedgerTxID = "ltx_1"
	m.ReleasedAt = &now
	if err := store.UpdateMilestone(ctx, m); err != nil {
		t.Fatalf("UpdateMilestone failed: %v", err)
	}

	list, err := store.ListMilestones(ctx, a.ID)
	if err != nil {
		t.Fatalf("ListMilestones failed: %v", err)
	}
	if len(list) != 1 || list[0].Status != MilestoneReleased || list[0].LedgerTxID != "ltx_1" {
		t.Errorf("unexpected milestones: %+v", list)
	}
}
