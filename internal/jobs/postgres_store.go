package jobs

import (
	"context"
	"database/sql"
)

// PostgresStore persists jobs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed job store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, client_id, professional_id, title, status, agreed_amount,
	       currency, payout_account_id, payouts_enabled, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, j *Job) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		j.ID, j.ClientID, j.ProfessionalID, j.Title, string(j.Status), j.AgreedAmount,
		j.Currency, nullString(j.PayoutAccountID), j.PayoutsEnabled, j.CreatedAt, j.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return j, err
}

func (p *PostgresStore) Update(ctx context.Context, j *Job) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = $1, agreed_amount = $2, payout_account_id = $3,
			payouts_enabled = $4, updated_at = $5
		WHERE id = $6`,
		string(j.Status), j.AgreedAmount, nullString(j.PayoutAccountID),
		j.PayoutsEnabled, j.UpdatedAt, j.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (p *PostgresStore) ListByClient(ctx context.Context, clientID string, limit int) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE client_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SetPayoutsEnabledByAccount(ctx context.Context, payoutAccountID string, enabled bool) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET payouts_enabled = $1, updated_at = NOW()
		WHERE payout_account_id = $2`,
		enabled, payoutAccountID,
	)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*Job, error) {
	j := &Job{}
	var (
		status        string
		payoutAccount sql.NullString
	)
	err := s.Scan(&j.ID, &j.ClientID, &j.ProfessionalID, &j.Title, &status, &j.AgreedAmount,
		&j.Currency, &payoutAccount, &j.PayoutsEnabled, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.PayoutAccountID = payoutAccount.String
	return j, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
