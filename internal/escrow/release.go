package escrow

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/idgen"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/ledger"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/logging"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/metrics"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/traces"
)

// ReleaseResult is the three-way split of a released amount.
type ReleaseResult struct {
	ProfessionalAmount int64 `json:"professionalAmount"`
	CommissionAmount   int64 `json:"commissionAmount"`
	PlatformFeeAmount  int64 `json:"platformFeeAmount"`
	Released           int64 `json:"released"`
	Remaining          int64 `json:"remaining"`
}

// Split divides amount into professional payout, platform commission,
// and platform fee. Commission and fee are rounded half-up on minor
// units; the professional gets the rest, so the three parts always
// sum to amount exactly.
func Split(amount int64, cfg SplitConfig) ReleaseResult {
	commission := roundBPS(amount, cfg.CommissionRateBPS)
	fee := roundBPS(amount, cfg.PlatformFeeBPS)
	return ReleaseResult{
		ProfessionalAmount: amount - commission - fee,
		CommissionAmount:   commission,
		PlatformFeeAmount:  fee,
		Released:           amount,
	}
}

// roundBPS computes amount * bps / 10000, rounded half-up.
func roundBPS(amount, bps int64) int64 {
	return (amount*bps + 5000) / 10000
}

// Release pays out the account's remaining balance to the professional
// and moves the account to released. The remaining balance is what was
// deposited minus every non-failed refund and release.
func (s *Service) Release(ctx context.Context, accountID, callerID string, isAdmin bool) (*ReleaseResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.AccountID(accountID))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	account, err := s.store.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if callerID != account.ClientID && !isAdmin {
		return nil, ErrUnauthorized
	}
	if account.ManualResolution {
		return nil, ErrManualResolution
	}
	if !account.Refundable() {
		return nil, ErrInvalidState
	}

	outflow, err := s.ledger.OutflowTotal(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	remaining := account.Amount - outflow
	if remaining <= 0 {
		return nil, fmt.Errorf("%w: nothing left to release", ErrInvalidState)
	}

	result, _, err := s.payOut(ctx, account, remaining, callerID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := s.transition(ctx, account, StatusReleased); err != nil {
		return nil, err
	}
	account.ReleasedAt = &now
	if err := s.store.Update(ctx, account); err != nil {
		return nil, err
	}

	s.notify(ctx, account.ProfessionalID, "escrow.released", map[string]interface{}{
		"accountId":          account.ID,
		"jobId":              account.JobID,
		"professionalAmount": result.ProfessionalAmount,
		"currency":           account.Currency,
	})

	return result, nil
}

// payOut commits a release ledger row against the cap, requests the
// gateway transfer for the professional's share, and leaves the row
// pending until the transfer webhook confirms it. Callers must hold
// the account lock.
func (s *Service) payOut(ctx context.Context, account *Account, amount int64, callerID string) (*ReleaseResult, string, error) {
	job, err := s.jobs.Get(ctx, account.JobID)
	if err != nil {
		return nil, "", err
	}
	if job.PayoutAccountID == "" || !job.PayoutsEnabled {
		return nil, "", ErrPayoutsDisabled
	}

	split := Split(amount, s.split)

	now := time.Now()
	tx := &ledger.Transaction{
		ID:          idgen.WithPrefix("ltx_"),
		AccountID:   account.ID,
		Type:        ledger.TypeRelease,
		Status:      ledger.StatusPending,
		Amount:      amount,
		Currency:    account.Currency,
		InitiatedBy: callerID,
		Metadata: map[string]string{
			"jobId":              account.JobID,
			"professionalAmount": strconv.FormatInt(split.ProfessionalAmount, 10),
			"commissionAmount":   strconv.FormatInt(split.CommissionAmount, 10),
			"platformFeeAmount":  strconv.FormatInt(split.PlatformFeeAmount, 10),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.ledger.CommitOutflow(ctx, tx, account.Amount); err != nil {
		return nil, "", err
	}

	tr, err := s.gw.CreateTransfer(ctx, split.ProfessionalAmount, account.Currency, job.PayoutAccountID, map[string]string{
		"escrowAccountId": account.ID,
		"jobId":           account.JobID,
		"ledgerTxId":      tx.ID,
	})
	if err != nil {
		// Free the reserved amount; the account stays as it was so the
		// caller can retry once the gateway recovers.
		if failErr := s.ledger.Fail(ctx, tx.ID); failErr != nil {
			logging.L(ctx).Error("failed to release reserved payout",
				"account_id", account.ID, "tx_id", tx.ID, "error", failErr)
		}
		metrics.LedgerTransactionsTotal.WithLabelValues(string(ledger.TypeRelease), string(ledger.StatusFailed)).Inc()
		return nil, "", fmt.Errorf("transfer rejected by gateway: %w", err)
	}

	// The row stays pending; transfer.created/updated confirms it.
	if err := s.ledger.AttachExternalRef(ctx, tx.ID, tr.ID); err != nil {
		logging.L(ctx).Error("failed to attach transfer reference",
			"account_id", account.ID, "tx_id", tx.ID, "transfer_id", tr.ID, "error", err)
	}
	metrics.LedgerTransactionsTotal.WithLabelValues(string(ledger.TypeRelease), string(ledger.StatusPending)).Inc()

	logging.L(ctx).Info("payout requested",
		"account_id", account.ID,
		"transfer_id", tr.ID,
		"professional_amount", split.ProfessionalAmount,
		"commission_amount", split.CommissionAmount,
		"platform_fee_amount", split.PlatformFeeAmount)

	outflow, err := s.ledger.OutflowTotal(ctx, account.ID)
	if err != nil {
		return nil, "", err
	}
	split.Remaining = account.Amount - outflow
	return &split, tx.ID, nil
}
