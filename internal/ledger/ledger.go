// Package ledger records every movement of money through escrow.
//
// Each funding, release, and refund produces exactly one transaction
// row. Outflows (release, refund) are capped: the sum of all non-failed
// outflow rows for an account can never exceed the amount that was
// deposited into it. The cap is enforced atomically at insert time so
// concurrent outflows cannot jointly overdraw an account.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrCapExceeded         = errors.New("outflow cap exceeded")
	ErrDuplicateReference  = errors.New("external reference already recorded")
	ErrInvalidType         = errors.New("invalid transaction type")
	ErrAlreadyResolved     = errors.New("transaction already resolved")
)

// Type classifies a transaction.
type Type string

const (
	TypeDeposit Type = "deposit" // money entering escrow
	TypeRelease Type = "release" // payout toward the professional
	TypeRefund  Type = "refund"  // money returned to the client
)

// Status tracks a transaction through the gateway round-trip.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Transaction is a single ledger row.
type Transaction struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"accountId"`
	Type        Type              `json:"type"`
	Status      Status            `json:"status"`
	Amount      int64             `json:"amount"` // minor units
	Currency    string            `json:"currency"`
	InitiatedBy string            `json:"initiatedBy,omitempty"`
	ExternalRef string            `json:"externalRef,omitempty"` // gateway object id
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Outflow reports whether the transaction draws money out of escrow.
func (t *Transaction) Outflow() bool {
	return t.Type == TypeRelease || t.Type == TypeRefund
}

// Store persists ledger transactions.
type Store interface {
	// Create inserts a transaction without cap checking (deposits).
	Create(ctx context.Context, tx *Transaction) error

	// CreateCommitted atomically verifies that the account's non-failed
	// outflow total plus tx.Amount stays within cap, then inserts the
	// row. Returns ErrCapExceeded when it would not. Pending rows count
	// against the cap so concurrent outflows cannot jointly exceed it.
	CreateCommitted(ctx context.Context, tx *Transaction, cap int64) error

	Get(ctx context.Context, id string) (*Transaction, error)
	GetByExternalRef(ctx context.Context, ref string) (*Transaction, error)

	// UpdateStatus moves a transaction to the given status. Completed
	// and failed are terminal; updating a terminal row is a no-op when
	// the status matches and an error otherwise.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// SetExternalRef binds a gateway object id to a transaction after
	// the gateway call succeeds.
	SetExternalRef(ctx context.Context, id, ref string) error

	// OutflowTotal sums non-failed release and refund amounts.
	OutflowTotal(ctx context.Context, accountID string) (int64, error)

	// CompletedTotal sums completed amounts of the given type.
	CompletedTotal(ctx context.Context, accountID string, typ Type) (int64, error)

	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Transaction, error)
}

// Service implements ledger business logic over a Store.
type Service struct {
	store Store
}

// NewService creates a new ledger service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// RecordDeposit inserts a pending deposit row for a funding attempt.
func (s *Service) RecordDeposit(ctx context.Context, tx *Transaction) error {
	if tx.Type != TypeDeposit {
		return ErrInvalidType
	}
	return s.store.Create(ctx, tx)
}

// CommitOutflow inserts an outflow row, enforcing the account cap.
func (s *Service) CommitOutflow(ctx context.Context, tx *Transaction, cap int64) error {
	if !tx.Outflow() {
		return ErrInvalidType
	}
	return s.store.CreateCommitted(ctx, tx, cap)
}

// Complete marks a transaction completed.
func (s *Service) Complete(ctx context.Context, id string) error {
	return s.store.UpdateStatus(ctx, id, StatusCompleted)
}

// Fail marks a transaction failed. Failed rows stop counting against
// the account's outflow cap.
func (s *Service) Fail(ctx context.Context, id string) error {
	return s.store.UpdateStatus(ctx, id, StatusFailed)
}

// AttachExternalRef binds a gateway object id to a committed row. The
// row is created before the gateway call so the cap is enforced first;
// the ref only becomes known once the gateway answers.
func (s *Service) AttachExternalRef(ctx context.Context, id, ref string) error {
	return s.store.SetExternalRef(ctx, id, ref)
}

// ResolveByExternalRef finds the transaction recorded against a gateway
// object id and moves it to the given status. Used by the webhook
// reconciler to confirm or fail money movement.
func (s *Service) ResolveByExternalRef(ctx context.Context, ref string, status Status) (*Transaction, error) {
	tx, err := s.store.GetByExternalRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateStatus(ctx, tx.ID, status); err != nil {
		return nil, err
	}
	tx.Status = status
	return tx, nil
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// GetByExternalRef returns the transaction recorded against a gateway
// object id.
func (s *Service) GetByExternalRef(ctx context.Context, ref string) (*Transaction, error) {
	return s.store.GetByExternalRef(ctx, ref)
}

// History returns an account's transactions, newest first.
func (s *Service) History(ctx context.Context, accountID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByAccount(ctx, accountID, limit)
}

// OutflowTotal returns the account's non-failed outflow sum.
func (s *Service) OutflowTotal(ctx context.Context, accountID string) (int64, error) {
	return s.store.OutflowTotal(ctx, accountID)
}

// RefundedTotal returns the account's completed refund sum.
func (s *Service) RefundedTotal(ctx context.Context, accountID string) (int64, error) {
	return s.store.CompletedTotal(ctx, accountID, TypeRefund)
}
