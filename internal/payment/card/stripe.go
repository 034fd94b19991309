package card

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"

	"payflow/internal/payment/domain"
)

// Config holds processor configuration.
type Config struct {
	SecretKey      string `envconfig:"STRIPE_SECRET_KEY" required:"true"`
	PublishableKey string `envconfig:"STRIPE_PUBLISHABLE_KEY" required:"true"`
	ReturnURL      string `envconfig:"STRIPE_RETURN_URL" default:"http://localhost:3000/payments/return"`
}

// StripeProcessor confirms payment intents through the Stripe API.
type StripeProcessor struct {
	api       *client.API
	returnURL string
	logger    *slog.Logger
}

// NewStripeProcessor creates a processor using the default Stripe backends.
func NewStripeProcessor(cfg Config, logger *slog.Logger) *StripeProcessor {
	var api client.API
	api.Init(cfg.SecretKey, nil)
	return newStripeProcessor(&api, cfg.ReturnURL, logger)
}

func newStripeProcessor(api *client.API, returnURL string, logger *slog.Logger) *StripeProcessor {
	return &StripeProcessor{
		api:       api,
		returnURL: returnURL,
		logger:    logger,
	}
}

// ConfirmCardPayment implements Processor.
func (p *StripeProcessor) ConfirmCardPayment(ctx context.Context, clientSecret, paymentMethod string) (*Confirmation, error) {
	intentID := domain.IntentIDFromSecret(clientSecret)
	if intentID == "" {
		return nil, errors.New("malformed client secret")
	}

	p.logger.Info("confirming card payment",
		"payment_intent_id", intentID,
		"payment_method", maskToken(paymentMethod),
	)

	params := &stripe.PaymentIntentConfirmParams{
		PaymentMethod: stripe.String(paymentMethod),
		ReturnURL:     stripe.String(p.returnURL),
	}
	params.Context = ctx

	pi, err := p.api.PaymentIntents.Confirm(intentID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && isCustomerFacing(stripeErr) {
			p.logger.Info("card payment declined",
				"payment_intent_id", intentID,
				"code", stripeErr.Code,
				"decline_code", stripeErr.DeclineCode,
			)
			return nil, declineFrom(stripeErr)
		}
		return nil, fmt.Errorf("confirming payment intent %s: %w", intentID, err)
	}

	conf, err := confirmationFrom(pi)
	if err != nil {
		return nil, err
	}

	p.logger.Info("card payment confirmed",
		"payment_intent_id", conf.PaymentIntentID,
		"status", conf.Status,
	)
	return conf, nil
}

// isCustomerFacing reports whether the error carries a message the
// customer can act on (bad card data, decline).
func isCustomerFacing(e *stripe.Error) bool {
	switch e.Type {
	case stripe.ErrorTypeCard:
		return true
	case stripe.ErrorTypeInvalidRequest:
		return e.Code == stripe.ErrorCodePaymentIntentUnexpectedState ||
			e.Code == stripe.ErrorCodePaymentIntentAuthenticationFailure
	}
	return false
}

func declineFrom(e *stripe.Error) *DeclineError {
	msg := e.Msg
	if msg == "" {
		msg = domain.MsgPaymentFailedFallback
	}
	return &DeclineError{
		Code:        string(e.Code),
		DeclineCode: string(e.DeclineCode),
		Message:     msg,
	}
}

func confirmationFrom(pi *stripe.PaymentIntent) (*Confirmation, error) {
	conf := &Confirmation{PaymentIntentID: pi.ID}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture:
		conf.Status = StatusSucceeded
	case stripe.PaymentIntentStatusProcessing:
		conf.Status = StatusProcessing
	case stripe.PaymentIntentStatusRequiresAction:
		conf.Status = StatusRequiresAction
		if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil {
			conf.NextActionURL = pi.NextAction.RedirectToURL.URL
		}
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return nil, declineFrom(pi.LastPaymentError)
		}
		return nil, &DeclineError{Code: "requires_payment_method", Message: domain.MsgPaymentFailedFallback}
	case stripe.PaymentIntentStatusCanceled:
		return nil, &DeclineError{Code: "payment_intent_canceled", Message: "This payment was canceled."}
	default:
		return nil, fmt.Errorf("payment intent %s in unexpected status %s", pi.ID, pi.Status)
	}

	return conf, nil
}
