package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	SessionID     string          `json:"session_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType string, sessionID, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		SessionID:     sessionID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Settlement event types
const (
	EventBookingPaymentCompleted = "booking.payment.completed"
	EventBookingPaymentPending   = "booking.payment.pending"

	EventDepositConfirmed            = "wallet.deposit.confirmed"
	EventDepositReconciliationFailed = "wallet.deposit.reconciliation_failed"
)

// Aggregate types
const (
	AggregateBooking       = "booking"
	AggregatePaymentIntent = "payment_intent"
)

// BookingPaymentData is the data for booking.payment.* events
type BookingPaymentData struct {
	BookingID       string `json:"booking_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	Status          string `json:"status"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
}

// DepositConfirmedData is the data for wallet.deposit.confirmed events
type DepositConfirmedData struct {
	PaymentIntentID string `json:"payment_intent_id"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	NewBalance      *int64 `json:"new_balance,omitempty"`
}

// DepositReconciliationFailedData is the data for
// wallet.deposit.reconciliation_failed events. Support tooling consumes it.
type DepositReconciliationFailedData struct {
	PaymentIntentID string `json:"payment_intent_id"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Attempts        int    `json:"attempts"`
	LastError       string `json:"last_error"`
}
