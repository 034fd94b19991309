package services

import (
	"context"
	"encoding/json"
	"fmt"

	"payflow/internal/common/api"
	"payflow/internal/common/money"
)

type confirmDepositRequest struct {
	PaymentIntentID string  `json:"paymentIntentId"`
	Amount          float64 `json:"amount"`
}

type depositPayload struct {
	Deposit struct {
		ID     string  `json:"id"`
		Amount float64 `json:"amount"`
		Status string  `json:"status"`
	} `json:"deposit"`
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency"`
}

// DepositReceipt is the wallet service's acknowledgement of a deposit.
type DepositReceipt struct {
	DepositID string      `json:"deposit_id"`
	Amount    money.Money `json:"amount"`
	Balance   money.Money `json:"balance"`
}

// WalletClient talks to the wallet service. Calls are never retried
// automatically.
type WalletClient struct {
	client
}

func NewWalletClient(cfg Config) *WalletClient {
	c := newClient("wallet service", cfg.WalletURL, cfg.Timeout, cfg.Currency)
	c.serviceToken = cfg.WalletToken
	return &WalletClient{client: c}
}

// ConfirmDeposit credits the wallet for a succeeded payment intent. The
// payment intent id doubles as the idempotency key; a repeat confirm of
// the same id answers 409.
func (c *WalletClient) ConfirmDeposit(ctx context.Context, paymentIntentID string, amount money.Money) (*DepositReceipt, error) {
	if paymentIntentID == "" {
		return nil, fmt.Errorf("%s: payment intent id is required", c.name)
	}

	var out api.Response[depositPayload]
	var apiErr api.Response[json.RawMessage]

	resp, err := c.request(ctx).
		SetHeader("Idempotency-Key", paymentIntentID).
		SetBody(confirmDepositRequest{PaymentIntentID: paymentIntentID, Amount: amount.ToMajor()}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/wallet/deposits/confirm")
	if err := c.check(resp, &apiErr, err); err != nil {
		return nil, err
	}

	cur := money.ParseCurrency(out.Data.Currency, amount.Currency)
	return &DepositReceipt{
		DepositID: out.Data.Deposit.ID,
		Amount:    money.NewFromMajor(out.Data.Deposit.Amount, cur),
		Balance:   money.NewFromMajor(out.Data.Balance, cur),
	}, nil
}
