package journal

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// AttemptOutcome is the processor result of one card submission.
type AttemptOutcome string

const (
	AttemptSucceeded AttemptOutcome = "succeeded"
	AttemptPending   AttemptOutcome = "pending"
	AttemptDeclined  AttemptOutcome = "declined"
	AttemptErrored   AttemptOutcome = "errored"
)

// Flow names which payment flow produced an attempt.
type Flow string

const (
	FlowBooking     Flow = "booking"
	FlowWalletTopUp Flow = "wallet_topup"
)

// Attempt is one card submission against a payment intent. Number is
// assigned by the store.
type Attempt struct {
	ID              string         `json:"id"`
	PaymentIntentID string         `json:"payment_intent_id"`
	SessionID       string         `json:"session_id"`
	Flow            Flow           `json:"flow"`
	Number          int            `json:"attempt_number"`
	Outcome         AttemptOutcome `json:"outcome"`
	ErrorCode       string         `json:"error_code,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// NewAttempt stamps an id and creation time.
func NewAttempt(paymentIntentID, sessionID string, flow Flow, outcome AttemptOutcome) Attempt {
	return Attempt{
		ID:              ulid.Make().String(),
		PaymentIntentID: paymentIntentID,
		SessionID:       sessionID,
		Flow:            flow,
		Outcome:         outcome,
		CreatedAt:       time.Now().UTC(),
	}
}
