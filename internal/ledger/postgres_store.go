package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists ledger transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, account_id, type, status, amount, currency,
	       initiated_by, external_ref, metadata, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	return p.insert(ctx, p.db, tx)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (p *PostgresStore) insert(ctx context.Context, db execer, tx *Transaction) error {
	metaJSON, _ := json.Marshal(tx.Metadata)
	if tx.Metadata == nil {
		metaJSON = []byte("{}")
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO ledger_transactions (
			id, account_id, type, status, amount, currency,
			initiated_by, external_ref, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tx.ID, tx.AccountID, string(tx.Type), string(tx.Status),
		tx.Amount, tx.Currency,
		nullString(tx.InitiatedBy), nullString(tx.ExternalRef),
		metaJSON, tx.CreatedAt, tx.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateReference
	}
	return err
}

// CreateCommitted serializes outflows per account with an advisory lock
// so the cap check and the insert are atomic against concurrent
// refunds or releases on the same account.
func (p *PostgresStore) CreateCommitted(ctx context.Context, tx *Transaction, cap int64) error {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = dbTx.Rollback() }()

	if _, err := dbTx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, tx.AccountID); err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}

	var outflow int64
	err = dbTx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_transactions
		WHERE account_id = $1
		  AND type IN ('release', 'refund')
		  AND status <> 'failed'`, tx.AccountID).Scan(&outflow)
	if err != nil {
		return fmt.Errorf("failed to sum outflows: %w", err)
	}
	if outflow+tx.Amount > cap {
		return ErrCapExceeded
	}

	if err := p.insert(ctx, dbTx, tx); err != nil {
		return err
	}
	return dbTx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM ledger_transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) GetByExternalRef(ctx context.Context, ref string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM ledger_transactions WHERE external_ref = $1`, ref)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE ledger_transactions
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND (status = 'pending' OR status = $2)`,
		id, string(status))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	// Distinguish a missing row from a terminal one.
	var current string
	err = p.db.QueryRowContext(ctx,
		`SELECT status FROM ledger_transactions WHERE id = $1`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrTransactionNotFound
	}
	if err != nil {
		return err
	}
	return ErrAlreadyResolved
}

func (p *PostgresStore) SetExternalRef(ctx context.Context, id, ref string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE ledger_transactions
		SET external_ref = $2, updated_at = NOW()
		WHERE id = $1`, id, ref)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateReference
	}
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *PostgresStore) OutflowTotal(ctx context.Context, accountID string) (int64, error) {
	var total int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_transactions
		WHERE account_id = $1
		  AND type IN ('release', 'refund')
		  AND status <> 'failed'`, accountID).Scan(&total)
	return total, err
}

func (p *PostgresStore) CompletedTotal(ctx context.Context, accountID string, typ Type) (int64, error) {
	var total int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_transactions
		WHERE account_id = $1 AND type = $2 AND status = 'completed'`,
		accountID, string(typ)).Scan(&total)
	return total, err
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM ledger_transactions
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		typ         string
		status      string
		initiatedBy sql.NullString
		externalRef sql.NullString
		metaJSON    []byte
	)
	err := s.Scan(
		&tx.ID, &tx.AccountID, &typ, &status, &tx.Amount, &tx.Currency,
		&initiatedBy, &externalRef, &metaJSON, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Type = Type(typ)
	tx.Status = Status(status)
	tx.InitiatedBy = initiatedBy.String
	tx.ExternalRef = externalRef.String
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &tx.Metadata)
	}
	return tx, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

