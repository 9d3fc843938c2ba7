package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow accounts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, job_id, client_id, professional_id, amount, currency,
	       status, payment_intent_id, dispute_id, manual_resolution,
	       created_at, updated_at, captured_at, refunded_at, released_at`

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_accounts (
			id, job_id, client_id, professional_id, amount, currency,
			status, payment_intent_id, dispute_id, manual_resolution,
			created_at, updated_at, captured_at, refunded_at, released_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		a.ID, a.JobID, a.ClientID, a.ProfessionalID, a.Amount, a.Currency,
		string(a.Status), a.PaymentIntentID, nullString(a.DisputeID), a.ManualResolution,
		a.CreatedAt, a.UpdatedAt, nullTime(a.CapturedAt), nullTime(a.RefundedAt), nullTime(a.ReleasedAt),
	)
	// The partial unique index on job_id closes the check-then-insert
	// window between two racing Fund calls for the same job.
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrAlreadyFunded
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM escrow_accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func (p *PostgresStore) GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*Account, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM escrow_accounts WHERE payment_intent_id = $1`, paymentIntentID)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func (p *PostgresStore) GetByDispute(ctx context.Context, disputeID string) (*Account, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM escrow_accounts WHERE dispute_id = $1`, disputeID)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func (p *PostgresStore) Update(ctx context.Context, a *Account) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_accounts SET
			status = $1, dispute_id = $2, manual_resolution = $3,
			updated_at = $4, captured_at = $5, refunded_at = $6, released_at = $7
		WHERE id = $8`,
		string(a.Status), nullString(a.DisputeID), a.ManualResolution,
		a.UpdatedAt, nullTime(a.CapturedAt), nullTime(a.RefundedAt), nullTime(a.ReleasedAt),
		a.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) ListByClient(ctx context.Context, clientID string, limit int) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM escrow_accounts
		WHERE client_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ActiveByJob(ctx context.Context, jobID string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM escrow_accounts
		WHERE job_id = $1 AND status <> 'failed'
		ORDER BY created_at DESC
		LIMIT 1`, jobID)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return a, err
}

const milestoneColumns = `id, account_id, title, amount, status, ledger_tx_id, created_at, released_at`

func (p *PostgresStore) CreateMilestone(ctx context.Context, m *Milestone) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_milestones (
			id, account_id, title, amount, status, ledger_tx_id, created_at, released_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.AccountID, m.Title, m.Amount, string(m.Status),
		nullString(m.LedgerTxID), m.CreatedAt, nullTime(m.ReleasedAt),
	)
	return err
}

func (p *PostgresStore) GetMilestone(ctx context.Context, accountID, milestoneID string) (*Milestone, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+milestoneColumns+`
		FROM escrow_milestones
		WHERE account_id = $1 AND id = $2`, accountID, milestoneID)
	m, err := scanMilestone(row)
	if err == sql.ErrNoRows {
		return nil, ErrMilestoneNotFound
	}
	return m, err
}

func (p *PostgresStore) UpdateMilestone(ctx context.Context, m *Milestone) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_milestones SET
			status = $1, ledger_tx_id = $2, released_at = $3
		WHERE account_id = $4 AND id = $5`,
		string(m.Status), nullString(m.LedgerTxID), nullTime(m.ReleasedAt),
		m.AccountID, m.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrMilestoneNotFound
	}
	return nil
}

func (p *PostgresStore) ListMilestones(ctx context.Context, accountID string) ([]*Milestone, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+milestoneColumns+`
		FROM escrow_milestones
		WHERE account_id = $1
		ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(s scanner) (*Account, error) {
	a := &Account{}
	var (
		status     string
		disputeID  sql.NullString
		capturedAt sql.NullTime
		refundedAt sql.NullTime
		releasedAt sql.NullTime
	)
	err := s.Scan(
		&a.ID, &a.JobID, &a.ClientID, &a.ProfessionalID, &a.Amount, &a.Currency,
		&status, &a.PaymentIntentID, &disputeID, &a.ManualResolution,
		&a.CreatedAt, &a.UpdatedAt, &capturedAt, &refundedAt, &releasedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.DisputeID = disputeID.String
	if capturedAt.Valid {
		a.CapturedAt = &capturedAt.Time
	}
	if refundedAt.Valid {
		a.RefundedAt = &refundedAt.Time
	}
	if releasedAt.Valid {
		a.ReleasedAt = &releasedAt.Time
	}
	return a, nil
}

func scanMilestone(s scanner) (*Milestone, error) {
	m := &Milestone{}
	var (
		status     string
		ledgerTxID sql.NullString
		releasedAt sql.NullTime
	)
	err := s.Scan(
		&m.ID, &m.AccountID, &m.Title, &m.Amount, &status,
		&ledgerTxID, &m.CreatedAt, &releasedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Status = MilestoneStatus(status)
	m.LedgerTxID = ledgerTxID.String
	if releasedAt.Valid {
		m.ReleasedAt = &releasedAt.Time
	}
	return m, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
