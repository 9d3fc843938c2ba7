package reconciler

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists the processed-event log in PostgreSQL. The
// unique event_id column makes the claim a single atomic insert across
// replicas.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Claim(ctx context.Context, eventID, eventType string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_gateway_events (event_id, event_type, status, claimed_at)
		VALUES ($1, $2, 'claimed', NOW())`,
		eventID, eventType)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		// A failed delivery may be claimed again; anything else is a
		// duplicate.
		result, uerr := p.db.ExecContext(ctx, `
			UPDATE processed_gateway_events
			SET status = 'claimed', claimed_at = NOW(),
			    processed_at = NULL, result = NULL, error_message = NULL
			WHERE event_id = $1 AND status = 'failed'`, eventID)
		if uerr != nil {
			return uerr
		}
		rows, uerr := result.RowsAffected()
		if uerr != nil {
			return uerr
		}
		if rows == 0 {
			return ErrDuplicateEvent
		}
		return nil
	}
	return err
}

func (p *PostgresStore) MarkProcessed(ctx context.Context, eventID, result string) error {
	return p.finalize(ctx, eventID, StatusProcessed, result, "")
}

func (p *PostgresStore) MarkFailed(ctx context.Context, eventID, errMsg string) error {
	return p.finalize(ctx, eventID, StatusFailed, "", errMsg)
}

func (p *PostgresStore) finalize(ctx context.Context, eventID, status, result, errMsg string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE processed_gateway_events
		SET status = $2, result = $3, error_message = $4, processed_at = NOW()
		WHERE event_id = $1`,
		eventID, status, nullString(result), nullString(errMsg))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, eventID string) (*ProcessedEvent, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT event_id, event_type, status, result, error_message, claimed_at, processed_at
		FROM processed_gateway_events
		WHERE event_id = $1`, eventID)

	ev := &ProcessedEvent{}
	var (
		result      sql.NullString
		errMsg      sql.NullString
		processedAt sql.NullTime
	)
	err := row.Scan(&ev.EventID, &ev.EventType, &ev.Status, &result, &errMsg, &ev.ClaimedAt, &processedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	ev.Result = result.String
	ev.ErrorMessage = errMsg.String
	if processedAt.Valid {
		t := processedAt.Time
		ev.ProcessedAt = &t
	}
	return ev, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
