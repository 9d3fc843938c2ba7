package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/jobs"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/ledger"
)

func TestConfirmCapture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.Fund(ctx, FundRequest{JobID: f.job.ID, Amount: testAmount, Currency: "eur"}, testClient)
	if err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	pi := result.Account.PaymentIntentID

	if err := f.svc.ConfirmCapture(ctx, pi); err != nil {
		t.Fatalf("ConfirmCapture failed: %v", err)
	}

	account, _ := f.store.Get(ctx, result.Account.ID)
	if account.Status != StatusHeld {
		t.Errorf("expected held, got %q", account.Status)
	}
	if account.CapturedAt == nil {
		t.Error("expected CapturedAt to be set")
	}

	deposit, err := f.ldg.GetByExternalRef(ctx, pi)
	if err != nil {
		t.Fatalf("GetByExternalRef failed: %v", err)
	}
	if deposit.Status != ledger.StatusCompleted {
		t.Errorf("expected deposit completed, got %q", deposit.Status)
	}

	// The funded job moves along.
	job, _ := f.jobSvc.Get(ctx, f.job.ID)
	if job.Status != jobs.StatusInProgress {
		t.Errorf("expected in_progress, got %q", job.Status)
	}

	// Duplicate delivery is a no-op.
	if err := f.svc.ConfirmCapture(ctx, pi); err != nil {
		t.Errorf("duplicate ConfirmCapture should be a no-op, got %v", err)
	}
}

func TestConfirmCapture_UnknownIntent(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.ConfirmCapture(context.Background(), "pi_unknown"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestConfirmCapture_AfterDisputeSettlesDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.Fund(ctx, FundRequest{JobID: f.job.ID, Amount: testAmount, Currency: "eur"}, testClient)
	if err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	pi := result.Account.PaymentIntentID

	// The dispute webhook can outrun the capture confirmation.
	if err := f.svc.OpenDispute(ctx, pi, "dp_1"); err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	if err := f.svc.ConfirmCapture(ctx, pi); err != nil {
		t.Fatalf("ConfirmCapture failed: %v", err)
	}

	// The account stays frozen, but the deposit settles and the capture
	// timestamp lands.
	account, _ := f.store.Get(ctx, result.Account.ID)
	if account.Status != StatusDisputed {
		t.Errorf("expected disputed, got %q", account.Status)
	}
	if account.CapturedAt == nil {
		t.Error("expected CapturedAt to be set despite the frozen status")
	}
	deposit, err := f.ldg.GetByExternalRef(ctx, pi)
	if err != nil {
		t.Fatalf("GetByExternalRef failed: %v", err)
	}
	if deposit.Status != ledger.StatusCompleted {
		t.Errorf("expected deposit completed, got %q", deposit.Status)
	}

	// Winning the dispute lands the account in held with the deposit
	// already on record.
	if err := f.svc.CloseDispute(ctx, "dp_1", true); err != nil {
		t.Fatalf("CloseDispute failed: %v", err)
	}
	account, _ = f.store.Get(ctx, account.ID)
	if account.Status != StatusHeld {
		t.Errorf("expected held after a won dispute, got %q", account.Status)
	}
}

func TestConfirmCapture_FailedAccountIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.Fund(ctx, FundRequest{JobID: f.job.ID, Amount: testAmount, Currency: "eur"}, testClient)
	if err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	pi := result.Account.PaymentIntentID

	if err := f.svc.FailCapture(ctx, pi); err != nil {
		t.Fatalf("FailCapture failed: %v", err)
	}
	if err := f.svc.ConfirmCapture(ctx, pi); err != nil {
		t.Fatalf("ConfirmCapture after failure should be a no-op, got %v", err)
	}

	account, _ := f.store.Get(ctx, result.Account.ID)
	if account.Status != StatusFailed || account.CapturedAt != nil {
		t.Errorf("failed account was modified: %+v", account)
	}
	deposit, _ := f.ldg.GetByExternalRef(ctx, pi)
	if deposit.Status != ledger.StatusFailed {
		t.Errorf("expected deposit still failed, got %q", deposit.Status)
	}
}

func TestFailCapture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.Fund(ctx, FundRequest{JobID: f.job.ID, Amount: testAmount, Currency: "eur"}, testClient)
	if err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	pi := result.Account.PaymentIntentID

	if err := f.svc.FailCapture(ctx, pi); err != nil {
		t.Fatalf("FailCapture failed: %v", err)
	}
	account, _ := f.store.Get(ctx, result.Account.ID)
	if account.Status != StatusFailed {
		t.Errorf("expected failed, got %q", account.Status)
	}

	deposit, _ := f.ldg.GetByExternalRef(ctx, pi)
	if deposit.Status != ledger.StatusFailed {
		t.Errorf("expected deposit failed, got %q", deposit.Status)
	}
}

func TestFailCapture_NeverRegressesHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.fundHeld(t, testAmount)

	// An out-of-order payment_failed after the capture confirmation
	// must not move the account.
	if err := f.svc.FailCapture(ctx, account.PaymentIntentID); err != nil {
		t.Fatalf("FailCapture should be a no-op, got %v", err)
	}
	account, _ = f.store.Get(ctx, account.ID)
	if account.Status != StatusHeld {
		t.Errorf("expected held, got %q", account.Status)
	}
}

func TestConfirmRefund_UnknownRefIsIgnored(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.ConfirmRefund(context.Background(), "re_unknown"); err != nil {
		t.Fatalf("unknown refund refs are logged and ignored, got %v", err)
	}
}

func TestDispute_FreezesAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.fundHeld(t, testAmount)

	if err := f.svc.OpenDispute(ctx, account.PaymentIntentID, "dp_1"); err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	account, _ = f.store.Get(ctx, account.ID)
	if account.Status != StatusDisputed {
		t.Fatalf("expected disputed, got %q", account.Status)
	}

	// Frozen: no refunds, no releases.
	if _, err := f.svc.Refund(ctx, account.ID, RefundRequest{Amount: 100}, testClient, false); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if _, err := f.svc.Release(ctx, account.ID, testClient, false); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}

	// Duplicate open is a no-op.
	if err := f.svc.OpenDispute(ctx, account.PaymentIntentID, "dp_1"); err != nil {
		t.Errorf("duplicate OpenDispute should be a no-op, got %v", err)
	}
}

func TestDispute_WonRestoresHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.fundHeld(t, testAmount)

	if err := f.svc.OpenDispute(ctx, account.PaymentIntentID, "dp_1"); err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	if err := f.svc.CloseDispute(ctx, "dp_1", true); err != nil {
		t.Fatalf("CloseDispute failed: %v", err)
	}

	account, _ = f.store.Get(ctx, account.ID)
	if account.Status != StatusHeld {
		t.Errorf("expected held after a won dispute, got %q", account.Status)
	}

	// The account is operational again.
	if _, err := f.svc.Release(ctx, account.ID, testClient, false); err != nil {
		t.Errorf("release after won dispute failed: %v", err)
	}
}

func TestDispute_WonRestoresPartiallyRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.fundHeld(t, testAmount)

	if _, err := f.svc.Refund(ctx, account.ID, RefundRequest{Amount: 40000}, testClient, false); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if err := f.svc.OpenDispute(ctx, account.PaymentIntentID, "dp_1"); err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	if err := f.svc.CloseDispute(ctx, "dp_1", true); err != nil {
		t.Fatalf("CloseDispute failed: %v", err)
	}

	account, _ = f.store.Get(ctx, account.ID)
	if account.Status != StatusPartiallyRefunded {
		t.Errorf("expected partially_refunded restored, got %q", account.Status)
	}
}

func TestDispute_LostClosesRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.fundHeld(t, testAmount)

	if _, err := f.svc.Refund(ctx, account.ID, RefundRequest{Amount: 40000}, testClient, false); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if err := f.svc.OpenDispute(ctx, account.PaymentIntentID, "dp_1"); err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	if err := f.svc.CloseDispute(ctx, "dp_1", false); err != nil {
		t.Fatalf("CloseDispute failed: %v", err)
	}

	account, _ = f.store.Get(ctx, account.ID)
	if account.Status != StatusRefunded {
		t.Errorf("expected refunded after a lost dispute, got %q", account.Status)
	}

	// The chargeback shows up in the ledger for the remaining 60000.
	chargeback, err := f.ldg.GetByExternalRef(ctx, "dp_1")
	if err != nil {
		t.Fatalf("expected a chargeback ledger row: %v", err)
	}
	if chargeback.Type != ledger.TypeRefund || chargeback.Amount != 60000 {
		t.Errorf("unexpected chargeback row: %+v", chargeback)
	}

	// Cap invariant: outflow equals the deposit exactly.
	outflow, _ := f.ldg.OutflowTotal(ctx, account.ID)
	if outflow != testAmount {
		t.Errorf("expected outflow %d, got %d", testAmount, outflow)
	}
}

func TestFailTransfer_FlagsManualResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.fundHeld(t, testAmount)

	if _, err := f.svc.Release(ctx, account.ID, testClient, false); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	history, _ := f.ldg.History(ctx, account.ID, 10)
	var transferRef string
	for _, tx := range history {
		if tx.Type == ledger.TypeRelease {
			transferRef = tx.ExternalRef
		}
	}
	if transferRef == "" {
		t.Fatal("expected a transfer reference on the release row")
	}

	if err := f.svc.FailTransfer(ctx, transferRef); err != nil {
		t.Fatalf("FailTransfer failed: %v", err)
	}

	// The account never regresses out of released but carries the flag.
	account, _ = f.store.Get(ctx, account.ID)
	if account.Status != StatusReleased {
		t.Errorf("expected released, got %q", account.Status)
	}
	if !account.ManualResolution {
		t.Error("expected the manual resolution flag")
	}

	release, _ := f.ldg.GetByExternalRef(ctx, transferRef)
	if release.Status != ledger.StatusFailed {
		t.Errorf("expected the release row failed, got %q", release.Status)
	}
}

func TestFailTransfer_UnknownRefIsIgnored(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.FailTransfer(context.Background(), "tr_unknown"); err != nil {
		t.Fatalf("unknown transfer refs are logged and ignored, got %v", err)
	}
}
