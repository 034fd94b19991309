// Package card wraps the card payment processor behind a single
// confirm operation and owns the per-form card capture widget.
package card

import (
	"context"
	"fmt"
)

// Status is the processor-reported state after a confirmation attempt.
type Status string

const (
	StatusSucceeded      Status = "succeeded"
	StatusProcessing     Status = "processing"
	StatusRequiresAction Status = "requires_action"
)

// Pending reports whether the charge will settle asynchronously.
func (s Status) Pending() bool {
	return s == StatusProcessing || s == StatusRequiresAction
}

// Confirmation is a non-declined processor result.
type Confirmation struct {
	PaymentIntentID string `json:"payment_intent_id"`
	Status          Status `json:"status"`
	NextActionURL   string `json:"next_action_url,omitempty"`
}

// DeclineError is a structured processor rejection. Message is safe to show to the customer.
type DeclineError struct {
	Code        string
	DeclineCode string
	Message     string
}

func (e *DeclineError) Error() string {
	if e.DeclineCode != "" {
		return fmt.Sprintf("card declined: %s (%s) - %s", e.Code, e.DeclineCode, e.Message)
	}
	return fmt.Sprintf("card declined: %s - %s", e.Code, e.Message)
}

// Processor confirms a payment intent with a tokenized card.
type Processor interface {
	ConfirmCardPayment(ctx context.Context, clientSecret, paymentMethod string) (*Confirmation, error)
}

func maskToken(token string) string {
	if len(token) > 8 {
		return token[:4] + "****" + token[len(token)-4:]
	}
	return "****"
}
