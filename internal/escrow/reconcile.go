package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/idgen"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/jobs"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/ledger"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/logging"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/metrics"
)

// The methods in this file are driven by the webhook reconciler. They
// look accounts and ledger rows up by gateway reference ids, never by
// delivery order, and every write is guarded so that a repeated or
// out-of-order delivery is a no-op.

// ConfirmCapture moves a pending account to held once the gateway
// reports the deposit captured.
func (s *Service) ConfirmCapture(ctx context.Context, paymentIntentID string) error {
	account, err := s.store.GetByPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return err
	}

	unlock, err := s.locks.LockContext(ctx, account.ID)
	if err != nil {
		return err
	}
	defer unlock()

	account, err = s.store.Get(ctx, account.ID)
	if err != nil {
		return err
	}
	if account.Status == StatusFailed {
		// Contradicts an earlier payment_failed; leave the failed record
		// alone rather than invent a capture.
		logging.L(ctx).Warn("capture confirmation for failed account",
			"account_id", account.ID, "payment_intent", paymentIntentID)
		return nil
	}
	if account.Status != StatusPending {
		// Usually a duplicate delivery, but a dispute can freeze the
		// account before the capture confirmation arrives. The deposit
		// row still settles and the capture is stamped either way; only
		// the status transition is skipped.
		if _, err := s.ledger.ResolveByExternalRef(ctx, paymentIntentID, ledger.StatusCompleted); err != nil &&
			!errors.Is(err, ledger.ErrTransactionNotFound) && !errors.Is(err, ledger.ErrAlreadyResolved) {
			return fmt.Errorf("failed to complete deposit: %w", err)
		}
		if account.CapturedAt == nil {
			now := time.Now()
			account.CapturedAt = &now
			account.UpdatedAt = now
			if err := s.store.Update(ctx, account); err != nil {
				return err
			}
		}
		return nil
	}

	if _, err := s.ledger.ResolveByExternalRef(ctx, paymentIntentID, ledger.StatusCompleted); err != nil &&
		!errors.Is(err, ledger.ErrTransactionNotFound) {
		return fmt.Errorf("failed to complete deposit: %w", err)
	}
	metrics.LedgerTransactionsTotal.WithLabelValues(string(ledger.TypeDeposit), string(ledger.StatusCompleted)).Inc()

	now := time.Now()
	account.CapturedAt = &now
	if err := s.transition(ctx, account, StatusHeld); err != nil {
		return err
	}

	// A funded job is underway.
	if _, err := s.jobs.MarkInProgress(ctx, account.JobID); err != nil &&
		!errors.Is(err, jobs.ErrInvalidJob) {
		logging.L(ctx).Warn("failed to mark job in progress",
			"job_id", account.JobID, "error", err)
	}

	s.notify(ctx, account.ClientID, "escrow.captured", map[string]interface{}{
		"accountId": account.ID,
		"jobId":     account.JobID,
		"amount":    account.Amount,
		"currency":  account.Currency,
	})
	return nil
}

// FailCapture moves a pending account to failed when the gateway
// reports the deposit could not be captured. A held account never
// regresses to failed.
func (s *Service) FailCapture(ctx context.Context, paymentIntentID string) error {
	account, err := s.store.GetByPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return err
	}

	unlock, err := s.locks.LockContext(ctx, account.ID)
	if err != nil {
		return err
	}
	defer unlock()

	account, err = s.store.Get(ctx, account.ID)
	if err != nil {
		return err
	}
	if account.Status != StatusPending {
		return nil
	}

	if _, err := s.ledger.ResolveByExternalRef(ctx, paymentIntentID, ledger.StatusFailed); err != nil &&
		!errors.Is(err, ledger.ErrTransactionNotFound) {
		return fmt.Errorf("failed to fail deposit: %w", err)
	}
	metrics.LedgerTransactionsTotal.WithLabelValues(string(ledger.TypeDeposit), string(ledger.StatusFailed)).Inc()

	if err := s.transition(ctx, account, StatusFailed); err != nil {
		return err
	}

	s.notify(ctx, account.ClientID, "escrow.failed", map[string]interface{}{
		"accountId": account.ID,
		"jobId":     account.JobID,
	})
	return nil
}

// ConfirmRefund acknowledges the gateway's refund confirmation. The
// refund already settled synchronously, so this is normally a no-op;
// it exists so a refund issued out-of-band (e.g. from the gateway
// dashboard) is still observed.
func (s *Service) ConfirmRefund(ctx context.Context, refundID string) error {
	_, err := s.ledger.ResolveByExternalRef(ctx, refundID, ledger.StatusCompleted)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		logging.L(ctx).Warn("refund confirmation for unknown reference", "refund_id", refundID)
		return nil
	}
	return err
}

// OpenDispute freezes an account while the gateway processes a
// chargeback. Further refunds and releases are rejected until the
// dispute closes.
func (s *Service) OpenDispute(ctx context.Context, paymentIntentID, disputeID string) error {
	account, err := s.store.GetByPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return err
	}

	unlock, err := s.locks.LockContext(ctx, account.ID)
	if err != nil {
		return err
	}
	defer unlock()

	account, err = s.store.Get(ctx, account.ID)
	if err != nil {
		return err
	}
	if account.Status == StatusDisputed {
		return nil
	}
	if account.Status.Terminal() {
		logging.L(ctx).Warn("dispute opened against terminal account",
			"account_id", account.ID, "status", string(account.Status), "dispute_id", disputeID)
		return nil
	}

	account.DisputeID = disputeID
	if err := s.transition(ctx, account, StatusDisputed); err != nil {
		return err
	}

	s.notify(ctx, account.ClientID, "escrow.disputed", map[string]interface{}{
		"accountId": account.ID,
		"disputeId": disputeID,
	})
	return nil
}

// CloseDispute resolves a frozen account. A dispute won by the
// platform restores the pre-dispute state; a lost dispute means the
// gateway clawed the funds back, so the remainder is recorded as a
// refund and the account closes as refunded.
func (s *Service) CloseDispute(ctx context.Context, disputeID string, won bool) error {
	account, err := s.store.GetByDispute(ctx, disputeID)
	if err != nil {
		return err
	}

	unlock, err := s.locks.LockContext(ctx, account.ID)
	if err != nil {
		return err
	}
	defer unlock()

	account, err = s.store.Get(ctx, account.ID)
	if err != nil {
		return err
	}
	if account.Status != StatusDisputed {
		return nil
	}

	outflow, err := s.ledger.OutflowTotal(ctx, account.ID)
	if err != nil {
		return err
	}
	remaining := account.Amount - outflow

	if won {
		target := StatusHeld
		if outflow > 0 {
			target = StatusPartiallyRefunded
		}
		if err := s.transition(ctx, account, target); err != nil {
			return err
		}
		s.notify(ctx, account.ClientID, "escrow.dispute_closed", map[string]interface{}{
			"accountId": account.ID,
			"disputeId": disputeID,
			"won":       true,
		})
		return nil
	}

	if remaining > 0 {
		now := time.Now()
		tx := &ledger.Transaction{
			ID:          idgen.WithPrefix("ltx_"),
			AccountID:   account.ID,
			Type:        ledger.TypeRefund,
			Status:      ledger.StatusCompleted,
			Amount:      remaining,
			Currency:    account.Currency,
			InitiatedBy: "gateway",
			ExternalRef: disputeID,
			Metadata:    map[string]string{"reason": "chargeback lost"},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.ledger.CommitOutflow(ctx, tx, account.Amount); err != nil {
			return fmt.Errorf("failed to record chargeback: %w", err)
		}
		metrics.LedgerTransactionsTotal.WithLabelValues(string(ledger.TypeRefund), string(ledger.StatusCompleted)).Inc()
	}

	now := time.Now()
	account.RefundedAt = &now
	if err := s.transition(ctx, account, StatusRefunded); err != nil {
		return err
	}

	s.notify(ctx, account.ClientID, "escrow.dispute_closed", map[string]interface{}{
		"accountId": account.ID,
		"disputeId": disputeID,
		"won":       false,
	})
	return nil
}

// ConfirmTransfer marks the release ledger row completed once the
// gateway reports the payout settled.
func (s *Service) ConfirmTransfer(ctx context.Context, transferID string) error {
	_, err := s.ledger.ResolveByExternalRef(ctx, transferID, ledger.StatusCompleted)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		logging.L(ctx).Warn("transfer confirmation for unknown reference", "transfer_id", transferID)
		return nil
	}
	if err != nil {
		return err
	}
	metrics.LedgerTransactionsTotal.WithLabelValues(string(ledger.TypeRelease), string(ledger.StatusCompleted)).Inc()
	return nil
}

// FailTransfer marks the release ledger row failed and flags the
// account for manual resolution. The account never regresses out of
// released: the money question is for an operator, not the state
// machine.
func (s *Service) FailTransfer(ctx context.Context, transferID string) error {
	tx, err := s.ledger.GetByExternalRef(ctx, transferID)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		logging.L(ctx).Warn("transfer failure for unknown reference", "transfer_id", transferID)
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := s.ledger.ResolveByExternalRef(ctx, transferID, ledger.StatusFailed); err != nil &&
		!errors.Is(err, ledger.ErrAlreadyResolved) {
		return err
	}
	metrics.LedgerTransactionsTotal.WithLabelValues(string(ledger.TypeRelease), string(ledger.StatusFailed)).Inc()

	unlock, err := s.locks.LockContext(ctx, tx.AccountID)
	if err != nil {
		return err
	}
	defer unlock()

	account, err := s.store.Get(ctx, tx.AccountID)
	if err != nil {
		return err
	}
	if account.ManualResolution {
		return nil
	}
	account.ManualResolution = true
	account.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, account); err != nil {
		return err
	}

	logging.L(ctx).Error("payout failed after release, flagged for manual resolution",
		"account_id", account.ID, "transfer_id", transferID, "tx_id", tx.ID)
	return nil
}
