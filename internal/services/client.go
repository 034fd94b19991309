// Package services holds the HTTP clients for the booking, payment intent
// and wallet services payflow orchestrates.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"payflow/internal/common/api"
	"payflow/internal/common/middleware"
	"payflow/internal/common/money"
)

// Config holds downstream service configuration.
type Config struct {
	BookingURL string        `envconfig:"BOOKING_SERVICE_URL" default:"http://localhost:8081/api/v1"`
	PaymentURL string        `envconfig:"PAYMENT_SERVICE_URL" default:"http://localhost:8082/api/v1"`
	WalletURL  string        `envconfig:"WALLET_SERVICE_URL" default:"http://localhost:8083/api/v1"`
	Timeout    time.Duration `envconfig:"SERVICE_TIMEOUT" default:"10s"`
	Currency   string        `envconfig:"DEFAULT_CURRENCY" default:"USD"`
	// WalletToken authenticates wallet calls made with no customer behind
	// them, such as webhook reconciliation.
	WalletToken string `envconfig:"WALLET_SERVICE_TOKEN"`
}

// ServiceError is a non-2xx response from a downstream service.
type ServiceError struct {
	Service string
	Status  int
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %d %s: %s", e.Service, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %d: %s", e.Service, e.Status, e.Message)
}

func statusOf(err error) int {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// IsNotFound reports a 404 from a downstream service.
func IsNotFound(err error) bool { return statusOf(err) == http.StatusNotFound }

// IsConflict reports a 409, e.g. a deposit that was already confirmed.
func IsConflict(err error) bool { return statusOf(err) == http.StatusConflict }

// IsValidation reports a 400 or 422, e.g. an intent requested for a paid booking.
func IsValidation(err error) bool {
	s := statusOf(err)
	return s == http.StatusBadRequest || s == http.StatusUnprocessableEntity
}

type client struct {
	name         string
	http         *resty.Client
	currency     money.Currency
	serviceToken string
}

func newClient(name, baseURL string, timeout time.Duration, currency string) client {
	return client{
		name: name,
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		currency: money.ParseCurrency(currency, money.USD),
	}
}

// request forwards the caller's bearer token and correlation id. Without
// a caller token it falls back to the service token, if one is set.
func (c client) request(ctx context.Context) *resty.Request {
	r := c.http.R().SetContext(ctx)
	if token := middleware.GetAuthToken(ctx); token != "" {
		r.SetAuthToken(token)
	} else if c.serviceToken != "" {
		r.SetAuthToken(c.serviceToken)
	}
	if id := middleware.GetCorrelationID(ctx); id != "" {
		r.SetHeader("X-Correlation-ID", id)
	}
	return r
}

func (c client) check(resp *resty.Response, apiErr *api.Response[json.RawMessage], err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	if !resp.IsError() {
		return nil
	}

	se := &ServiceError{Service: c.name, Status: resp.StatusCode()}
	if apiErr != nil && apiErr.Error != nil {
		se.Code = apiErr.Error.Code
		se.Message = apiErr.Error.Message
	}
	if se.Message == "" {
		se.Message = http.StatusText(resp.StatusCode())
	}
	return se
}
