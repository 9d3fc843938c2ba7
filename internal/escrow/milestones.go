package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/idgen"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/validation"
)

var (
	ErrMilestoneNotFound = errors.New("milestone not found")
	ErrMilestoneBudget   = errors.New("milestone amounts exceed the account amount")
	ErrMilestoneReleased = errors.New("milestone already released")
)

// MilestoneStatus tracks a milestone through its life.
type MilestoneStatus string

const (
	MilestonePending  MilestoneStatus = "pending"
	MilestoneReleased MilestoneStatus = "released"
)

// Milestone is a partial deliverable with its own releasable amount.
// The amounts of an account's milestones never sum past the account.
type Milestone struct {
	ID         string          `json:"id"`
	AccountID  string          `json:"accountId"`
	Title      string          `json:"title"`
	Amount     int64           `json:"amount"`
	Status     MilestoneStatus `json:"status"`
	LedgerTxID string          `json:"ledgerTxId,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	ReleasedAt *time.Time      `json:"releasedAt,omitempty"`
}

// MilestoneRequest contains the parameters for adding a milestone.
type MilestoneRequest struct {
	Title  string `json:"title" binding:"required"`
	Amount int64  `json:"amount" binding:"required"`
}

// AddMilestone attaches a milestone to a held account.
func (s *Service) AddMilestone(ctx context.Context, accountID string, req MilestoneRequest, callerID string, isAdmin bool) (*Milestone, error) {
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
	if !account.Refundable() {
		return nil, ErrInvalidState
	}
	if errs := validation.Validate(
		validation.NonEmpty("title", req.Title),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		return nil, errors.Join(ErrInvalidAmount, errs)
	}

	existing, err := s.store.ListMilestones(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var planned int64
	for _, m := range existing {
		planned += m.Amount
	}
	if planned+req.Amount > account.Amount {
		return nil, ErrMilestoneBudget
	}

	m := &Milestone{
		ID:        idgen.WithPrefix("mls_"),
		AccountID: accountID,
		Title:     validation.SanitizeText(req.Title, 200),
		Amount:    req.Amount,
		Status:    MilestonePending,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateMilestone(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ReleaseMilestone pays out one milestone's amount, split the same way
// as a full release. The account stays in its current state until the
// remaining balance reaches zero, at which point it becomes released.
func (s *Service) ReleaseMilestone(ctx context.Context, accountID, milestoneID, callerID string, isAdmin bool) (*ReleaseResult, error) {
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

	m, err := s.store.GetMilestone(ctx, accountID, milestoneID)
	if err != nil {
		return nil, err
	}
	if m.Status == MilestoneReleased {
		return nil, ErrMilestoneReleased
	}

	result, txID, err := s.payOut(ctx, account, m.Amount, callerID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	m.Status = MilestoneReleased
	m.LedgerTxID = txID
	m.ReleasedAt = &now
	if err := s.store.UpdateMilestone(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to mark milestone released: %w", err)
	}

	if result.Remaining == 0 {
		if err := s.transition(ctx, account, StatusReleased); err != nil {
			return nil, err
		}
		account.ReleasedAt = &now
		if err := s.store.Update(ctx, account); err != nil {
			return nil, err
		}
	}

	s.notify(ctx, account.ProfessionalID, "escrow.milestone_released", map[string]interface{}{
		"accountId":          account.ID,
		"milestoneId":        m.ID,
		"professionalAmount": result.ProfessionalAmount,
		"currency":           account.Currency,
	})

	return result, nil
}

// Milestones lists an account's milestones.
func (s *Service) Milestones(ctx context.Context, accountID, callerID string, isAdmin bool) ([]*Milestone, error) {
	if _, err := s.Get(ctx, accountID, callerID, isAdmin); err != nil {
		return nil, err
	}
	return s.store.ListMilestones(ctx, accountID)
}
