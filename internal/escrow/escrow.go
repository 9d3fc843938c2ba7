// Package escrow owns the payment lifecycle for marketplace jobs.
//
// Flow:
//  1. Client funds a job → account created in pending, gateway payment
//     intent opened, client completes payment out-of-band
//  2. Gateway webhook confirms capture → account becomes held
//  3. Client refunds some or all of the balance → partially_refunded
//     or refunded
//  4. Client (or admin) releases the remaining balance → split between
//     professional payout, platform commission, and platform fee
//  5. A chargeback freezes the account in disputed until the gateway
//     closes the dispute
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/gateway"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/idgen"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/jobs"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/ledger"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/logging"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/metrics"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/syncutil"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/traces"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/validation"
)

var (
	ErrAccountNotFound  = errors.New("escrow account not found")
	ErrUnauthorized     = errors.New("not authorized for this escrow operation")
	ErrInvalidState     = errors.New("invalid account status for this operation")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrAlreadyFunded    = errors.New("job already has an active escrow account")
	ErrPayoutsDisabled  = errors.New("professional payout account is not ready")
	ErrManualResolution = errors.New("account is flagged for manual resolution")
)

// Status represents the state of an escrow account.
type Status string

const (
	StatusPending           Status = "pending"            // created, awaiting capture
	StatusHeld              Status = "held"               // deposit captured
	StatusPartiallyRefunded Status = "partially_refunded" // some funds returned
	StatusRefunded          Status = "refunded"           // everything returned
	StatusReleased          Status = "released"           // paid out
	StatusDisputed          Status = "disputed"           // chargeback in flight
	StatusFailed            Status = "failed"             // deposit never captured
)

// transitions lists the permitted moves of the account state machine.
// Released, refunded, and failed are terminal.
var transitions = map[Status][]Status{
	StatusPending:           {StatusHeld, StatusFailed, StatusDisputed},
	StatusHeld:              {StatusReleased, StatusPartiallyRefunded, StatusRefunded, StatusDisputed},
	StatusPartiallyRefunded: {StatusReleased, StatusRefunded, StatusDisputed},
	StatusDisputed:          {StatusHeld, StatusPartiallyRefunded, StatusRefunded},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Account is the escrow record for one funded job.
type Account struct {
	ID               string     `json:"id"`
	JobID            string     `json:"jobId"`
	ClientID         string     `json:"clientId"`
	ProfessionalID   string     `json:"professionalId"`
	Amount           int64      `json:"amount"` // minor units
	Currency         string     `json:"currency"`
	Status           Status     `json:"status"`
	PaymentIntentID  string     `json:"paymentIntentId"` // set at creation, never reassigned
	DisputeID        string     `json:"disputeId,omitempty"`
	ManualResolution bool       `json:"manualResolution,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	CapturedAt       *time.Time `json:"capturedAt,omitempty"`
	RefundedAt       *time.Time `json:"refundedAt,omitempty"`
	ReleasedAt       *time.Time `json:"releasedAt,omitempty"`
}

// Refundable reports whether the account accepts refund or release
// operations in its current state.
func (a *Account) Refundable() bool {
	return a.Status == StatusHeld || a.Status == StatusPartiallyRefunded
}

// Store persists escrow accounts and milestones.
type Store interface {
	Create(ctx context.Context, account *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*Account, error)
	GetByDispute(ctx context.Context, disputeID string) (*Account, error)
	Update(ctx context.Context, account *Account) error
	ListByClient(ctx context.Context, clientID string, limit int) ([]*Account, error)

	// ActiveByJob returns the job's non-terminal account, or
	// ErrAccountNotFound when only failed or no accounts exist.
	ActiveByJob(ctx context.Context, jobID string) (*Account, error)

	CreateMilestone(ctx context.Context, m *Milestone) error
	GetMilestone(ctx context.Context, accountID, milestoneID string) (*Milestone, error)
	UpdateMilestone(ctx context.Context, m *Milestone) error
	ListMilestones(ctx context.Context, accountID string) ([]*Milestone, error)
}

// Ledger abstracts the transaction ledger so tests can substitute it.
type Ledger interface {
	RecordDeposit(ctx context.Context, tx *ledger.Transaction) error
	CommitOutflow(ctx context.Context, tx *ledger.Transaction, cap int64) error
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string) error
	AttachExternalRef(ctx context.Context, id, ref string) error
	ResolveByExternalRef(ctx context.Context, ref string, status ledger.Status) (*ledger.Transaction, error)
	GetByExternalRef(ctx context.Context, ref string) (*ledger.Transaction, error)
	OutflowTotal(ctx context.Context, accountID string) (int64, error)
	History(ctx context.Context, accountID string, limit int) ([]*ledger.Transaction, error)
}

// JobDirectory exposes the job records escrow accounts are tied to.
type JobDirectory interface {
	Get(ctx context.Context, id string) (*jobs.Job, error)
	MarkInProgress(ctx context.Context, id string) (*jobs.Job, error)
}

// Notifier is told about lifecycle events so the surrounding system
// can fan out webhooks, emails, or realtime messages.
type Notifier interface {
	Notify(ctx context.Context, userID, event string, payload map[string]interface{})
}

// SplitConfig carries the commission and fee rates in basis points.
type SplitConfig struct {
	CommissionRateBPS int64
	PlatformFeeBPS    int64
}

// FundRequest contains the parameters for funding a job.
type FundRequest struct {
	JobID    string `json:"jobId" binding:"required"`
	Amount   int64  `json:"amount" binding:"required"`
	Currency string `json:"currency" binding:"required"`
}

// RefundRequest contains the parameters for a refund.
type RefundRequest struct {
	Amount int64  `json:"amount" binding:"required"`
	Reason string `json:"reason"`
}

// FundResult is returned to the caller so it can complete payment.
type FundResult struct {
	Account      *Account `json:"account"`
	ClientSecret string   `json:"clientSecret"`
}

// RefundResult describes a recorded refund.
type RefundResult struct {
	RefundID  string `json:"refundId"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	Remaining int64  `json:"remaining"`
}

// Service implements the escrow account manager.
type Service struct {
	store    Store
	ledger   Ledger
	gw       gateway.Gateway
	jobs     JobDirectory
	split    SplitConfig
	maxFund  int64
	notifier Notifier
	locks    *syncutil.ContextShardedMutex // per-account ID locks
}

// NewService creates a new escrow service.
func NewService(store Store, ldg Ledger, gw gateway.Gateway, jobs JobDirectory, split SplitConfig, maxFund int64) *Service {
	return &Service{
		store:   store,
		ledger:  ldg,
		gw:      gw,
		jobs:    jobs,
		split:   split,
		maxFund: maxFund,
		locks:   syncutil.NewContextShardedMutex(),
	}
}

// WithNotifier adds a lifecycle event sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Fund creates an escrow account for a job and opens a payment intent.
// The account stays pending until the gateway confirms capture.
func (s *Service) Fund(ctx context.Context, req FundRequest, clientID string) (*FundResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund",
		traces.JobID(req.JobID),
		traces.Amount(req.Amount),
	)
	defer span.End()

	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.AmountBelow("amount", req.Amount, s.maxFund),
		validation.SupportedCurrency("currency", req.Currency),
	); len(errs) > 0 {
		return nil, errors.Join(ErrInvalidAmount, errs)
	}

	job, err := s.jobs.Get(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if job.ClientID != clientID {
		return nil, ErrUnauthorized
	}
	if !job.Fundable() {
		return nil, ErrInvalidState
	}
	if _, err := s.store.ActiveByJob(ctx, req.JobID); err == nil {
		return nil, ErrAlreadyFunded
	} else if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	currency := validation.NormalizeCurrency(req.Currency)
	accountID := idgen.WithPrefix("esc_")

	pi, err := s.gw.CreatePaymentIntent(ctx, req.Amount, currency, map[string]string{
		"escrowAccountId": accountID,
		"jobId":           job.ID,
		"clientId":        clientID,
		"escrow":          "true",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open payment intent: %w", err)
	}

	now := time.Now()
	account := &Account{
		ID:              accountID,
		JobID:           job.ID,
		ClientID:        clientID,
		ProfessionalID:  job.ProfessionalID,
		Amount:          req.Amount,
		Currency:        currency,
		Status:          StatusPending,
		PaymentIntentID: pi.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to create escrow account: %w", err)
	}

	deposit := &ledger.Transaction{
		ID:          idgen.WithPrefix("ltx_"),
		AccountID:   account.ID,
		Type:        ledger.TypeDeposit,
		Status:      ledger.StatusPending,
		Amount:      req.Amount,
		Currency:    currency,
		InitiatedBy: clientID,
		ExternalRef: pi.ID,
		Metadata:    map[string]string{"jobId": job.ID},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.ledger.RecordDeposit(ctx, deposit); err != nil {
		return nil, fmt.Errorf("failed to record deposit: %w", err)
	}

	metrics.AccountTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	metrics.LedgerTransactionsTotal.WithLabelValues(string(ledger.TypeDeposit), string(ledger.StatusPending)).Inc()

	logging.L(ctx).Info("escrow account created",
		"account_id", account.ID,
		"job_id", job.ID,
		"amount", req.Amount,
		"currency", currency)

	return &FundResult{Account: account, ClientSecret: pi.ClientSecret}, nil
}

// Refund returns part or all of the held balance to the client. The
// outflow row is committed against the cap before the gateway is
// called, so concurrent refunds cannot jointly overdraw the account.
func (s *Service) Refund(ctx context.Context, accountID string, req RefundRequest, callerID string, isAdmin bool) (*RefundResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund",
		traces.AccountID(accountID),
		traces.Amount(req.Amount),
	)
	defer span.End()

	// Serialize state transitions per account so a refund cannot race a
	// release for the same held funds.
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
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	now := time.Now()
	tx := &ledger.Transaction{
		ID:          idgen.WithPrefix("ltx_"),
		AccountID:   account.ID,
		Type:        ledger.TypeRefund,
		Status:      ledger.StatusPending,
		Amount:      req.Amount,
		Currency:    account.Currency,
		InitiatedBy: callerID,
		Metadata:    map[string]string{"reason": validation.SanitizeText(req.Reason, validation.MaxReasonLength)},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.ledger.CommitOutflow(ctx, tx, account.Amount); err != nil {
		return nil, err
	}

	rf, err := s.gw.CreateRefund(ctx, account.PaymentIntentID, req.Amount, map[string]string{
		"escrowAccountId": account.ID,
		"jobId":           account.JobID,
	})
	if err != nil {
		// Free the reserved amount so the client can retry.
		if failErr := s.ledger.Fail(ctx, tx.ID); failErr != nil {
			logging.L(ctx).Error("failed to release reserved refund",
				"account_id", account.ID, "tx_id", tx.ID, "error", failErr)
		}
		metrics.LedgerTransactionsTotal.WithLabelValues(string(ledger.TypeRefund), string(ledger.StatusFailed)).Inc()
		return nil, fmt.Errorf("refund rejected by gateway: %w", err)
	}

	// Gateway refunds settle synchronously; the charge.refunded webhook
	// later arrives as an idempotent confirmation.
	if err := s.ledger.AttachExternalRef(ctx, tx.ID, rf.ID); err != nil {
		logging.L(ctx).Error("failed to attach refund reference",
			"account_id", account.ID, "tx_id", tx.ID, "refund_id", rf.ID, "error", err)
	}
	if err := s.ledger.Complete(ctx, tx.ID); err != nil {
		return nil, fmt.Errorf("failed to complete refund transaction: %w", err)
	}
	metrics.LedgerTransactionsTotal.WithLabelValues(string(ledger.TypeRefund), string(ledger.StatusCompleted)).Inc()

	outflow, err := s.ledger.OutflowTotal(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	remaining := account.Amount - outflow

	target := StatusPartiallyRefunded
	if remaining == 0 {
		target = StatusRefunded
	}
	if err := s.transition(ctx, account, target); err != nil && !errors.Is(err, errSameStatus) {
		return nil, err
	}
	if target == StatusRefunded {
		account.RefundedAt = &now
		if err := s.store.Update(ctx, account); err != nil {
			return nil, err
		}
	}

	s.notify(ctx, account.ClientID, "escrow.refunded", map[string]interface{}{
		"accountId": account.ID,
		"refundId":  rf.ID,
		"amount":    req.Amount,
		"remaining": remaining,
	})

	logging.L(ctx).Info("refund completed",
		"account_id", account.ID,
		"refund_id", rf.ID,
		"amount", req.Amount,
		"remaining", remaining)

	return &RefundResult{
		RefundID:  rf.ID,
		Amount:    req.Amount,
		Status:    rf.Status,
		Remaining: remaining,
	}, nil
}

// Get returns an account by id, enforcing that only the client, the
// professional, or an admin may see it.
func (s *Service) Get(ctx context.Context, id, callerID string, isAdmin bool) (*Account, error) {
	account, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != account.ClientID && callerID != account.ProfessionalID && !isAdmin {
		return nil, ErrUnauthorized
	}
	return account, nil
}

// History returns the account's ledger rows, newest first.
func (s *Service) History(ctx context.Context, id, callerID string, isAdmin bool, limit int) ([]*ledger.Transaction, error) {
	if _, err := s.Get(ctx, id, callerID, isAdmin); err != nil {
		return nil, err
	}
	return s.ledger.History(ctx, id, limit)
}

// ListByClient returns a client's accounts.
func (s *Service) ListByClient(ctx context.Context, clientID string, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByClient(ctx, clientID, limit)
}

// errSameStatus signals a transition to the current status, which the
// guarded webhook paths treat as a no-op.
var errSameStatus = errors.New("account already in target status")

// transition applies a guarded state machine move and persists it.
func (s *Service) transition(ctx context.Context, account *Account, to Status) error {
	if account.Status == to {
		return errSameStatus
	}
	if !CanTransition(account.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, account.Status, to)
	}
	from := account.Status
	account.Status = to
	account.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, account); err != nil {
		account.Status = from
		return err
	}

	metrics.AccountTransitionsTotal.WithLabelValues(string(to)).Inc()
	switch {
	case to == StatusHeld && from == StatusPending:
		metrics.HeldAmount.WithLabelValues(account.Currency).Add(float64(account.Amount))
	case to.Terminal() && from != StatusPending:
		metrics.HeldAmount.WithLabelValues(account.Currency).Sub(float64(account.Amount))
	}

	logging.L(ctx).Info("escrow account transitioned",
		"account_id", account.ID,
		"from", string(from),
		"to", string(to))
	return nil
}

func (s *Service) notify(ctx context.Context, userID, event string, payload map[string]interface{}) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, userID, event, payload)
}
