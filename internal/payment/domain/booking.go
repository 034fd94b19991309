// Package domain holds the types shared by the booking and wallet payment flows.
package domain

import (
	"fmt"

	"payflow/internal/common/money"
)

// PaymentStatus is the booking's payment state. The booking service is its
// sole writer; payflow only branches on it.
type PaymentStatus string

const (
	PaymentUnpaid     PaymentStatus = "unpaid"
	PaymentProcessing PaymentStatus = "processing"
	PaymentPaid       PaymentStatus = "paid"
	PaymentFailed     PaymentStatus = "failed"
)

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentUnpaid, PaymentProcessing, PaymentPaid, PaymentFailed:
		return true
	}
	return false
}

// Booking is the read model of a booking as returned by the booking service.
type Booking struct {
	ID            string        `json:"id"`
	ServiceID     string        `json:"service_id"`
	ServiceName   string        `json:"service_name"`
	Option        string        `json:"option"`
	Date          string        `json:"date"`
	TimeSlot      string        `json:"time_slot"`
	Price         money.Money   `json:"price"`
	PaymentStatus PaymentStatus `json:"payment_status"`
}

// NeedsPayment reports whether a payment intent may be requested for b.
func (b *Booking) NeedsPayment() bool {
	return b.PaymentStatus == PaymentUnpaid
}

// Validate checks the preconditions for charging the booking.
func (b *Booking) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("booking id is required")
	}
	if !b.PaymentStatus.Valid() {
		return fmt.Errorf("booking %s: unknown payment status %q", b.ID, b.PaymentStatus)
	}
	if !b.Price.IsPositive() {
		return fmt.Errorf("booking %s: %w", b.ID, ErrNonPositiveAmount)
	}
	return nil
}

// BookingDetailPath is where the browser lands once a booking needs no further action.
func BookingDetailPath(bookingID string) string {
	return "/user/my-bookings/" + bookingID
}

// WalletPath is the wallet overview page.
const WalletPath = "/user/wallet"
