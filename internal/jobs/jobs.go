// Package jobs carries the narrow job surface the escrow core consumes.
//
// The wider marketplace (posting, quoting, messaging) lives elsewhere; the
// escrow core only needs to resolve a job id to its client, professional,
// fundability, and payout destination.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/idgen"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/validation"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrInvalidJob  = errors.New("invalid job")
)

// Status represents a job's lifecycle state in the marketplace.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Job is one client/professional engagement.
type Job struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"clientId"`
	ProfessionalID string    `json:"professionalId"`
	Title          string    `json:"title"`
	Status         Status    `json:"status"`
	AgreedAmount   int64     `json:"agreedAmount"` // minor currency units
	Currency       string    `json:"currency"`
	// PayoutAccountID is the professional's connected account at the payment
	// gateway. PayoutsEnabled mirrors the gateway's account.updated events.
	PayoutAccountID string    `json:"payoutAccountId,omitempty"`
	PayoutsEnabled  bool      `json:"payoutsEnabled"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Fundable reports whether the job's state permits escrow funding.
func (j *Job) Fundable() bool {
	return j.Status == StatusOpen || j.Status == StatusInProgress
}

// Store persists jobs.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, job *Job) error
	ListByClient(ctx context.Context, clientID string, limit int) ([]*Job, error)
	// SetPayoutsEnabledByAccount updates every job pointing at the given
	// gateway payout account. Driven by the webhook reconciler.
	SetPayoutsEnabledByAccount(ctx context.Context, payoutAccountID string, enabled bool) error
}

// CreateRequest contains the parameters for creating a job.
type CreateRequest struct {
	ClientID        string `json:"clientId"`
	ProfessionalID  string `json:"professionalId" binding:"required"`
	Title           string `json:"title" binding:"required"`
	AgreedAmount    int64  `json:"agreedAmount" binding:"required"`
	Currency        string `json:"currency" binding:"required"`
	PayoutAccountID string `json:"payoutAccountId"`
}

// Service implements job business logic.
type Service struct {
	store Store
}

// NewService creates a new job service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create registers a new job.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Job, error) {
	if errs := validation.Validate(
		validation.NonEmpty("clientId", req.ClientID),
		validation.NonEmpty("professionalId", req.ProfessionalID),
		validation.PositiveAmount("agreedAmount", req.AgreedAmount),
		validation.SupportedCurrency("currency", req.Currency),
	); len(errs) > 0 {
		return nil, errors.Join(ErrInvalidJob, errs)
	}

	now := time.Now()
	job := &Job{
		ID:              idgen.WithPrefix("job_"),
		ClientID:        req.ClientID,
		ProfessionalID:  req.ProfessionalID,
		Title:           validation.SanitizeText(req.Title, 200),
		Status:          StatusOpen,
		AgreedAmount:    req.AgreedAmount,
		Currency:        validation.NormalizeCurrency(req.Currency),
		PayoutAccountID: req.PayoutAccountID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}

// ListByClient returns a client's jobs.
func (s *Service) ListByClient(ctx context.Context, clientID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByClient(ctx, clientID, limit)
}

// SetPayoutsEnabledByAccount flips the payout capability on every job
// tied to the given payout account.
func (s *Service) SetPayoutsEnabledByAccount(ctx context.Context, payoutAccountID string, enabled bool) error {
	return s.store.SetPayoutsEnabledByAccount(ctx, payoutAccountID, enabled)
}

// MarkInProgress moves a job from open to in_progress.
func (s *Service) MarkInProgress(ctx context.Context, id string) (*Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusOpen {
		return nil, ErrInvalidJob
	}
	job.Status = StatusInProgress
	job.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}
