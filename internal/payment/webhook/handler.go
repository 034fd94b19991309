// Package webhook receives processor callbacks for charges that settled
// after the payment view stopped waiting.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"

	"payflow/internal/common/money"
	"payflow/internal/notify"
	"payflow/internal/payment/domain"
	"payflow/internal/payment/journal"
)

const maxBodyBytes = 64 << 10

// Config holds webhook configuration.
type Config struct {
	Secret string `envconfig:"STRIPE_WEBHOOK_SECRET"`
}

// DepositReconciler settles pending wallet top-ups.
type DepositReconciler interface {
	Reconcile(ctx context.Context, intentID string, amount money.Money) (domain.Outcome, bool)
	Abandon(ctx context.Context, intentID string) bool
}

// AttemptLister reads the submission journal.
type AttemptLister interface {
	ListAttempts(ctx context.Context, paymentIntentID string) ([]journal.Attempt, error)
}

// Handler handles Stripe webhook callbacks.
type Handler struct {
	secret   string
	deposits DepositReconciler
	attempts AttemptLister
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewHandler creates a new webhook handler.
func NewHandler(cfg Config, deposits DepositReconciler, attempts AttemptLister, notifier notify.Notifier, logger *slog.Logger) *Handler {
	return &Handler{
		secret:   cfg.Secret,
		deposits: deposits,
		attempts: attempts,
		notifier: notifier,
		logger:   logger,
	}
}

// ServeHTTP handles POST /webhooks/stripe
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("rejected webhook", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	var pi stripe.PaymentIntent
	if strings.HasPrefix(string(event.Type), "payment_intent.") {
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			h.logger.Error("failed to parse payment intent", "error", err, "event_id", event.ID)
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
	}

	h.logger.Info("received stripe webhook",
		"event_id", event.ID,
		"type", event.Type,
		"payment_intent_id", pi.ID,
	)

	ctx := context.WithoutCancel(r.Context())
	switch event.Type {
	case "payment_intent.succeeded":
		h.handleSucceeded(ctx, &pi)
	case "payment_intent.payment_failed", "payment_intent.canceled":
		h.handleFailed(ctx, &pi)
	default:
		h.logger.Debug("ignoring stripe event", "type", event.Type)
	}

	// Acknowledge the webhook
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) handleSucceeded(ctx context.Context, pi *stripe.PaymentIntent) {
	amount := money.New(pi.Amount, money.ParseCurrency(string(pi.Currency), money.USD))
	if out, ok := h.deposits.Reconcile(ctx, pi.ID, amount); ok {
		h.logger.Info("top-up reconciled from webhook", "payment_intent_id", pi.ID, "outcome", out.Kind, "reason", out.Reason)
		return
	}

	// Booking payments are settled by the booking service; only a customer
	// left on "processing" is told about it.
	if sessionID, ok := h.pendingSession(ctx, pi.ID); ok {
		h.notify(ctx, sessionID, notify.LevelSuccess, domain.MsgPaymentSucceeded)
	}
}

func (h *Handler) handleFailed(ctx context.Context, pi *stripe.PaymentIntent) {
	if h.deposits.Abandon(ctx, pi.ID) {
		return
	}
	if sessionID, ok := h.pendingSession(ctx, pi.ID); ok {
		msg := domain.MsgPaymentFailedFallback
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			msg = pi.LastPaymentError.Msg
		}
		h.notify(ctx, sessionID, notify.LevelError, msg)
	}
}

// pendingSession returns the session whose latest attempt on intentID
// ended pending.
func (h *Handler) pendingSession(ctx context.Context, intentID string) (string, bool) {
	attempts, err := h.attempts.ListAttempts(ctx, intentID)
	if err != nil {
		h.logger.Warn("failed to read attempts", "error", err, "payment_intent_id", intentID)
		return "", false
	}
	if len(attempts) == 0 {
		return "", false
	}
	last := attempts[len(attempts)-1]
	if last.Outcome != journal.AttemptPending {
		return "", false
	}
	return last.SessionID, true
}

func (h *Handler) notify(ctx context.Context, sessionID string, level notify.Level, msg string) {
	if err := h.notifier.Notify(ctx, notify.Notice{Session: sessionID, Level: level, Message: msg}); err != nil {
		h.logger.Warn("failed to deliver notice", "error", err)
	}
}
