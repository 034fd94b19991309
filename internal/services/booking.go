package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"payflow/internal/common/api"
	"payflow/internal/common/money"
	"payflow/internal/payment/domain"
)

type bookingPayload struct {
	ID      string `json:"id"`
	Service struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"service"`
	Option        string  `json:"option"`
	Date          string  `json:"date"`
	Time          string  `json:"time"`
	Price         float64 `json:"price"`
	Currency      string  `json:"currency"`
	PaymentStatus string  `json:"paymentStatus"`
}

// BookingClient reads bookings from the booking service.
type BookingClient struct {
	client
}

// NewBookingClient creates a booking client. Reads are retried on
// transport errors and 5xx responses.
func NewBookingClient(cfg Config) *BookingClient {
	c := newClient("booking service", cfg.BookingURL, cfg.Timeout, cfg.Currency)
	c.http.
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || (r != nil && r.StatusCode() >= 500)
		})
	return &BookingClient{client: c}
}

// GetBooking fetches a booking by id.
func (c *BookingClient) GetBooking(ctx context.Context, bookingID string) (*domain.Booking, error) {
	var out api.Response[bookingPayload]
	var apiErr api.Response[json.RawMessage]

	resp, err := c.request(ctx).
		SetPathParam("bookingID", bookingID).
		SetResult(&out).
		SetError(&apiErr).
		Get("/bookings/{bookingID}")
	if err := c.check(resp, &apiErr, err); err != nil {
		return nil, err
	}

	p := out.Data
	if p.ID == "" {
		return nil, fmt.Errorf("%s: empty booking in response", c.name)
	}
	return &domain.Booking{
		ID:            p.ID,
		ServiceID:     p.Service.ID,
		ServiceName:   p.Service.Name,
		Option:        p.Option,
		Date:          p.Date,
		TimeSlot:      p.Time,
		Price:         money.NewFromMajor(p.Price, money.ParseCurrency(p.Currency, c.currency)),
		PaymentStatus: domain.PaymentStatus(p.PaymentStatus),
	}, nil
}
