// Package journal persists the settlement bookkeeping payflow owns:
// deposit confirmation records and card submission attempts.
package journal

import (
	"errors"
	"time"

	"payflow/internal/common/money"
)

// DepositStatus is the local view of a wallet deposit confirmation.
type DepositStatus string

const (
	// DepositPending means a confirm call is in flight or has never been made.
	DepositPending   DepositStatus = "pending"
	DepositConfirmed DepositStatus = "confirmed"
	// DepositFailed means the charge succeeded but the wallet service did not
	// acknowledge the deposit. Only a manual retry moves it on.
	DepositFailed DepositStatus = "failed"
)

var ErrAlreadyConfirmed = errors.New("deposit already confirmed")

// DepositConfirmation is keyed by payment intent id; a deposit is
// confirmed at most once per intent.
type DepositConfirmation struct {
	PaymentIntentID string        `json:"payment_intent_id"`
	SessionID       string        `json:"session_id"`
	Amount          money.Money   `json:"amount"`
	Status          DepositStatus `json:"status"`
	Attempts        int           `json:"attempts"`
	Balance         *money.Money  `json:"balance,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	ConfirmedAt     *time.Time    `json:"confirmed_at,omitempty"`
}

// NewDepositConfirmation creates a pending record.
func NewDepositConfirmation(paymentIntentID, sessionID string, amount money.Money) (*DepositConfirmation, error) {
	if paymentIntentID == "" {
		return nil, errors.New("payment_intent_id is required")
	}
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}

	now := time.Now().UTC()
	return &DepositConfirmation{
		PaymentIntentID: paymentIntentID,
		SessionID:       sessionID,
		Amount:          amount,
		Status:          DepositPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// BeginAttempt records that a confirm call is about to be sent.
func (d *DepositConfirmation) BeginAttempt() error {
	if d.Status == DepositConfirmed {
		return ErrAlreadyConfirmed
	}
	d.Status = DepositPending
	d.Attempts++
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkConfirmed transitions the record to confirmed. balance may be nil
// when the wallet service reported the deposit as already applied.
func (d *DepositConfirmation) MarkConfirmed(balance *money.Money) error {
	if d.Status != DepositPending {
		return errors.New("can only confirm pending deposits")
	}
	now := time.Now().UTC()
	d.Status = DepositConfirmed
	d.Balance = balance
	d.LastError = ""
	d.ConfirmedAt = &now
	d.UpdatedAt = now
	return nil
}

// MarkFailed transitions the record to failed.
func (d *DepositConfirmation) MarkFailed(errorMessage string) error {
	if d.Status == DepositConfirmed {
		return ErrAlreadyConfirmed
	}
	d.Status = DepositFailed
	d.LastError = errorMessage
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// IsConfirmed returns true once the wallet service acknowledged the deposit.
func (d *DepositConfirmation) IsConfirmed() bool {
	return d.Status == DepositConfirmed
}
