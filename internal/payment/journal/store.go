package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"payflow/internal/common/database"
	"payflow/internal/common/money"
)

// PostgresStore persists journal records.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetDeposit retrieves a deposit confirmation by payment intent id.
func (s *PostgresStore) GetDeposit(ctx context.Context, paymentIntentID string) (*DepositConfirmation, error) {
	query := `
		SELECT payment_intent_id, session_id, amount_minor, currency, status,
			   attempts, balance_minor, last_error, created_at, updated_at, confirmed_at
		FROM deposit_confirmations
		WHERE payment_intent_id = $1
	`

	return scanDeposit(s.db.QueryRow(ctx, query, paymentIntentID))
}

// SaveDeposit inserts or updates a deposit confirmation.
func (s *PostgresStore) SaveDeposit(ctx context.Context, d *DepositConfirmation) error {
	query := `
		INSERT INTO deposit_confirmations (
			payment_intent_id, session_id, amount_minor, currency, status,
			attempts, balance_minor, last_error, created_at, updated_at, confirmed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (payment_intent_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			balance_minor = EXCLUDED.balance_minor,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at,
			confirmed_at = EXCLUDED.confirmed_at
		WHERE deposit_confirmations.status <> 'confirmed'
	`

	var balance *int64
	if d.Balance != nil {
		balance = &d.Balance.AmountMinor
	}

	_, err := s.db.Exec(ctx, query,
		d.PaymentIntentID, d.SessionID, d.Amount.AmountMinor, string(d.Amount.Currency), string(d.Status),
		d.Attempts, balance, nullStr(d.LastError), d.CreatedAt, d.UpdatedAt, d.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("saving deposit %s: %w", d.PaymentIntentID, err)
	}
	return nil
}

// RecordAttempt appends an attempt, numbering it after the intent's previous attempts.
func (s *PostgresStore) RecordAttempt(ctx context.Context, a Attempt) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var next int
		err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(attempt_number), 0) + 1
			FROM payment_attempts
			WHERE payment_intent_id = $1
		`, a.PaymentIntentID).Scan(&next)
		if err != nil {
			return fmt.Errorf("numbering attempt: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO payment_attempts (
				id, payment_intent_id, session_id, flow, attempt_number,
				outcome, error_code, error_message, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			a.ID, a.PaymentIntentID, a.SessionID, string(a.Flow), next,
			string(a.Outcome), nullStr(a.ErrorCode), nullStr(a.ErrorMessage), a.CreatedAt,
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("attempt %d for %s: %w", next, a.PaymentIntentID, database.ErrAlreadyExists)
			}
			return fmt.Errorf("inserting attempt: %w", err)
		}
		return nil
	})
}

// ListAttempts lists attempts for an intent in submission order.
func (s *PostgresStore) ListAttempts(ctx context.Context, paymentIntentID string) ([]Attempt, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, payment_intent_id, session_id, flow, attempt_number,
			   outcome, error_code, error_message, created_at
		FROM payment_attempts
		WHERE payment_intent_id = $1
		ORDER BY attempt_number ASC
	`, paymentIntentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		var flow, outcome string
		var errorCode, errorMsg *string
		if err := rows.Scan(
			&a.ID, &a.PaymentIntentID, &a.SessionID, &flow, &a.Number,
			&outcome, &errorCode, &errorMsg, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		a.Flow = Flow(flow)
		a.Outcome = AttemptOutcome(outcome)
		if errorCode != nil {
			a.ErrorCode = *errorCode
		}
		if errorMsg != nil {
			a.ErrorMessage = *errorMsg
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func scanDeposit(row pgx.Row) (*DepositConfirmation, error) {
	var d DepositConfirmation
	var amountMinor int64
	var currency, status string
	var balanceMinor *int64
	var lastError *string
	var confirmedAt *time.Time

	err := row.Scan(
		&d.PaymentIntentID, &d.SessionID, &amountMinor, &currency, &status,
		&d.Attempts, &balanceMinor, &lastError, &d.CreatedAt, &d.UpdatedAt, &confirmedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}

	cur := money.Currency(currency)
	d.Amount = money.New(amountMinor, cur)
	d.Status = DepositStatus(status)
	if balanceMinor != nil {
		b := money.New(*balanceMinor, cur)
		d.Balance = &b
	}
	if lastError != nil {
		d.LastError = *lastError
	}
	d.ConfirmedAt = confirmedAt
	return &d, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
