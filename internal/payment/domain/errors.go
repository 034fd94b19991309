package domain

import "errors"

var (
	// ErrNotReady is returned when submit is attempted before the card
	// element is attached. It is a silent guard, not a user error.
	ErrNotReady = errors.New("payment form not ready")
	// ErrSubmitInFlight rejects a re-entrant submit.
	ErrSubmitInFlight = errors.New("payment submission already in flight")
	// ErrFormCompleted rejects a submit after the form reached a terminal state.
	ErrFormCompleted     = errors.New("payment form already completed")
	ErrNonPositiveAmount = errors.New("amount must be positive")
	// ErrUnmounted is returned by operations on a view the user navigated away from.
	ErrUnmounted = errors.New("payment view unmounted")
	// ErrWrongPhase rejects an operation the current view phase does not offer.
	ErrWrongPhase = errors.New("operation not available in current state")
	// ErrReconciliationPending blocks new top-ups until a charged but
	// unconfirmed deposit is resolved.
	ErrReconciliationPending = errors.New("deposit confirmation pending for a completed charge")
)

// Notice texts shared by both flows.
const (
	MsgGenericError          = "Something went wrong. Please try again."
	MsgBookingLoadFailed     = "We couldn't load this booking. Please try again."
	MsgIntentFailed          = "We couldn't start the payment. Please try again."
	MsgPaymentSucceeded      = "Payment successful"
	MsgPaymentProcessing     = "Your payment is processing. We'll update the status once it completes."
	MsgReconciliationFailed  = "Payment succeeded but deposit confirmation failed — contact support"
	MsgPaymentFailedFallback = "Your payment could not be processed. Please try again."
)
