package domain

import (
	"errors"
	"strings"
	"time"

	"payflow/internal/common/money"
)

// IntentStatus mirrors the processor's payment intent lifecycle.
type IntentStatus string

const (
	IntentCreated              IntentStatus = "created"
	IntentRequiresConfirmation IntentStatus = "requires_confirmation"
	IntentRequiresAction       IntentStatus = "requires_action"
	IntentProcessing           IntentStatus = "processing"
	IntentSucceeded            IntentStatus = "succeeded"
	IntentFailed               IntentStatus = "failed"
	IntentCanceled             IntentStatus = "canceled"
)

// PaymentIntent is the client's read-only handle on a server-issued intent.
// ClientSecret is a capability scoped to this single intent.
type PaymentIntent struct {
	ID           string       `json:"payment_intent_id"`
	ClientSecret string       `json:"-"`
	Amount       money.Money  `json:"amount"`
	BookingID    string       `json:"booking_id,omitempty"`
	Status       IntentStatus `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
}

// NewPaymentIntent validates the intent handed back by the payment intent service.
func NewPaymentIntent(id, clientSecret string, amount money.Money, bookingID string) (*PaymentIntent, error) {
	if id == "" {
		return nil, errors.New("payment_intent_id is required")
	}
	if clientSecret == "" {
		return nil, errors.New("client_secret is required")
	}
	if !amount.IsPositive() {
		return nil, ErrNonPositiveAmount
	}
	if owner := IntentIDFromSecret(clientSecret); owner != "" && owner != id {
		return nil, errors.New("client_secret does not belong to payment intent " + id)
	}
	return &PaymentIntent{
		ID:           id,
		ClientSecret: clientSecret,
		Amount:       amount,
		BookingID:    bookingID,
		Status:       IntentCreated,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// IsTerminal returns true if the intent can take no further confirmation attempts.
func (i *PaymentIntent) IsTerminal() bool {
	return i.Status == IntentSucceeded || i.Status == IntentFailed || i.Status == IntentCanceled
}

// IntentIDFromSecret derives the intent id from a processor client secret
// of the form "<intent id>_secret_<token>". It returns "" when the secret
// does not follow that shape.
func IntentIDFromSecret(clientSecret string) string {
	id, _, ok := strings.Cut(clientSecret, "_secret_")
	if !ok {
		return ""
	}
	return id
}

// FormState is the submission state of one mounted payment form.
type FormState string

const (
	FormIdle       FormState = "idle"
	FormSubmitting FormState = "submitting"
	FormSucceeded  FormState = "succeeded"
	FormFailed     FormState = "failed"
	FormPending    FormState = "pending"
)
