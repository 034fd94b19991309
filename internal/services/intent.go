package services

import (
	"context"
	"encoding/json"

	"payflow/internal/common/api"
	"payflow/internal/common/money"
	"payflow/internal/payment/domain"
)

type createIntentRequest struct {
	BookingID string   `json:"bookingId,omitempty"`
	Amount    *float64 `json:"amount,omitempty"`
	Currency  string   `json:"currency,omitempty"`
	Purpose   string   `json:"purpose"`
}

type intentPayload struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId"`
}

// IntentClient creates payment intents through the payment service.
type IntentClient struct {
	client
}

func NewIntentClient(cfg Config) *IntentClient {
	return &IntentClient{client: newClient("payment service", cfg.PaymentURL, cfg.Timeout, cfg.Currency)}
}

// CreateForBooking requests an intent for an unpaid booking. The payment
// service prices the intent from the booking; amount is the price the
// caller showed the customer.
func (c *IntentClient) CreateForBooking(ctx context.Context, bookingID string, amount money.Money, idempotencyKey string) (*domain.PaymentIntent, error) {
	return c.create(ctx, createIntentRequest{BookingID: bookingID, Purpose: "booking"}, amount, bookingID, idempotencyKey)
}

// CreateForTopUp requests an intent for a wallet top-up of amount.
func (c *IntentClient) CreateForTopUp(ctx context.Context, amount money.Money, idempotencyKey string) (*domain.PaymentIntent, error) {
	major := amount.ToMajor()
	req := createIntentRequest{Amount: &major, Currency: string(amount.Currency), Purpose: "wallet_topup"}
	return c.create(ctx, req, amount, "", idempotencyKey)
}

func (c *IntentClient) create(ctx context.Context, body createIntentRequest, amount money.Money, bookingID, idempotencyKey string) (*domain.PaymentIntent, error) {
	var out api.Response[intentPayload]
	var apiErr api.Response[json.RawMessage]

	req := c.request(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr)
	if idempotencyKey != "" {
		req.SetHeader("Idempotency-Key", idempotencyKey)
	}

	resp, err := req.Post("/payments/intents")
	if err := c.check(resp, &apiErr, err); err != nil {
		return nil, err
	}

	return domain.NewPaymentIntent(out.Data.PaymentIntentID, out.Data.ClientSecret, amount, bookingID)
}
