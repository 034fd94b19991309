package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"payflow/internal/common/api"
	"payflow/internal/common/middleware"
	"payflow/internal/common/money"
	"payflow/internal/notify"
	"payflow/internal/payment/booking"
	"payflow/internal/payment/domain"
	"payflow/internal/payment/journal"
	"payflow/internal/payment/session"
	"payflow/internal/payment/wallet"
)

// newTopUpKey holds a top-up mount that has no intent yet, so a retried
// start reuses its idempotency key.
const newTopUpKey = "topup:new"

// Handler serves the booking checkout and wallet top-up views.
type Handler struct {
	bookingDeps booking.Deps
	walletDeps  wallet.Deps
	inbox       *notify.Inbox
	currency    money.Currency
	logger      *slog.Logger

	checkouts *session.Registry[*booking.Orchestrator]
	topups    *session.Registry[*wallet.Orchestrator]

	mu       sync.Mutex
	balances map[string]journal.DepositConfirmation
}

// NewHandler creates a new payment handler. inbox may be nil when notices
// are only delivered over NATS.
func NewHandler(bookingDeps booking.Deps, walletDeps wallet.Deps, inbox *notify.Inbox, currency money.Currency, logger *slog.Logger) *Handler {
	return &Handler{
		bookingDeps: bookingDeps,
		walletDeps:  walletDeps,
		inbox:       inbox,
		currency:    currency,
		logger:      logger,
		checkouts:   session.NewRegistry[*booking.Orchestrator](),
		topups:      session.NewRegistry[*wallet.Orchestrator](),
		balances:    make(map[string]journal.DepositConfirmation),
	}
}

// Routes returns the payment routes. Submit endpoints are rate limited
// per session when limiter is non-nil.
func (h *Handler) Routes(limiter middleware.RateLimiter) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireSession)

	limited := func(r chi.Router) chi.Router { return r }
	if limiter != nil {
		limited = func(r chi.Router) chi.Router {
			return r.With(middleware.RateLimit(limiter, middleware.SessionKey))
		}
	}

	// Booking checkout routes
	r.Route("/bookings/{bookingID}/checkout", func(r chi.Router) {
		r.Post("/", h.OpenCheckout)
		r.Get("/", h.GetCheckout)
		r.Delete("/", h.CloseCheckout)
		r.Post("/retry", h.RetryCheckout)
		limited(r).Post("/submit", h.SubmitCheckout)
	})

	// Wallet top-up routes
	r.Get("/wallet/balance", h.GetBalance)
	r.Post("/wallet/topups", h.StartTopUp)
	r.Route("/wallet/topups/{intentID}", func(r chi.Router) {
		r.Get("/", h.GetTopUp)
		r.Delete("/", h.CloseTopUp)
		limited(r).Post("/submit", h.SubmitTopUp)
		limited(r).Post("/confirm", h.RetryDepositConfirm)
	})

	r.Get("/notices", h.DrainNotices)

	return r
}

// SubmitRequest carries the card tokenized in the browser.
type SubmitRequest struct {
	PaymentMethod string `json:"payment_method" validate:"omitempty,max=255"`
}

// SubmitResponse is returned by every submit-like endpoint.
type SubmitResponse[V any] struct {
	Outcome domain.Outcome `json:"outcome"`
	View    V              `json:"view"`
}

// OpenCheckout handles POST /bookings/{bookingID}/checkout
func (h *Handler) OpenCheckout(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.GetSessionID(r.Context())
	bookingID := chi.URLParam(r, "bookingID")
	if bookingID == "" {
		api.BadRequest(w, "booking ID required")
		return
	}

	o, _, _ := h.checkouts.GetOrCreate(sessionID, checkoutKey(bookingID), func() (*booking.Orchestrator, error) {
		return booking.New(h.bookingDeps, sessionID, bookingID), nil
	})

	view, err := o.Open(r.Context())
	if err != nil {
		writeFlowError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, view)
}

// GetCheckout handles GET /bookings/{bookingID}/checkout
func (h *Handler) GetCheckout(w http.ResponseWriter, r *http.Request) {
	o, ok := h.checkout(r)
	if !ok {
		api.NotFound(w, "checkout not open")
		return
	}
	api.WriteData(w, http.StatusOK, o.View())
}

// CloseCheckout handles DELETE /bookings/{bookingID}/checkout
func (h *Handler) CloseCheckout(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.GetSessionID(r.Context())
	if o, ok := h.checkouts.Remove(sessionID, checkoutKey(chi.URLParam(r, "bookingID"))); ok {
		o.Unmount()
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetryCheckout handles POST /bookings/{bookingID}/checkout/retry
func (h *Handler) RetryCheckout(w http.ResponseWriter, r *http.Request) {
	o, ok := h.checkout(r)
	if !ok {
		api.NotFound(w, "checkout not open")
		return
	}
	view, err := o.Retry(r.Context())
	if err != nil {
		writeFlowError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, view)
}

// SubmitCheckout handles POST /bookings/{bookingID}/checkout/submit
func (h *Handler) SubmitCheckout(w http.ResponseWriter, r *http.Request) {
	o, ok := h.checkout(r)
	if !ok {
		api.NotFound(w, "checkout not open")
		return
	}

	var req SubmitRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	out, err := o.Submit(r.Context(), req.PaymentMethod)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, SubmitResponse[booking.View]{Outcome: out, View: o.View()})
}

func (h *Handler) checkout(r *http.Request) (*booking.Orchestrator, bool) {
	return h.checkouts.Get(middleware.GetSessionID(r.Context()), checkoutKey(chi.URLParam(r, "bookingID")))
}

func checkoutKey(bookingID string) string {
	return "booking:" + bookingID
}

// maxTopUpMinor caps a single top-up at 10,000.00 in two-decimal currencies.
const maxTopUpMinor = 1_000_000

// errTopUpTooLarge rejects amounts above maxTopUpMinor.
var errTopUpTooLarge = errors.New("amount exceeds the top-up limit")

// StartTopUpRequest is the API request for starting a wallet top-up
type StartTopUpRequest struct {
	Amount   string `json:"amount" validate:"required,max=16,numeric"`
	Currency string `json:"currency" validate:"omitempty,len=3"`
}

// StartTopUp handles POST /wallet/topups
func (h *Handler) StartTopUp(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.GetSessionID(r.Context())

	var req StartTopUpRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	amount, err := money.ParseMajor(req.Amount, money.ParseCurrency(req.Currency, h.currency))
	if err != nil {
		api.ValidationError(w, err)
		return
	}
	if !amount.IsPositive() {
		api.ValidationError(w, domain.ErrNonPositiveAmount)
		return
	}
	if amount.AmountMinor > maxTopUpMinor {
		api.ValidationError(w, errTopUpTooLarge)
		return
	}

	if err := h.topUpBlocked(r.Context(), sessionID); err != nil {
		writeFlowError(w, err)
		return
	}

	o, _, _ := h.topups.GetOrCreate(sessionID, newTopUpKey, func() (*wallet.Orchestrator, error) {
		return wallet.New(h.walletDeps, sessionID, h.recordBalance), nil
	})

	view, err := o.Start(r.Context(), amount)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if id := o.IntentID(); id != "" {
		h.topups.Remove(sessionID, newTopUpKey)
		h.topups.Put(sessionID, topUpKey(id), o)
		api.WriteData(w, http.StatusCreated, view)
		return
	}
	api.WriteData(w, http.StatusOK, view)
}

// topUpBlocked refuses a new top-up while another in the session is being
// charged or holds an unconfirmed deposit.
func (h *Handler) topUpBlocked(ctx context.Context, sessionID string) error {
	var blocked error
	h.topups.Any(sessionID, func(o *wallet.Orchestrator) bool {
		if err := o.Blocking(ctx); err != nil {
			blocked = err
			return true
		}
		return false
	})
	return blocked
}

// GetTopUp handles GET /wallet/topups/{intentID}
func (h *Handler) GetTopUp(w http.ResponseWriter, r *http.Request) {
	o, ok := h.topUp(r)
	if !ok {
		api.NotFound(w, "top-up not found")
		return
	}
	api.WriteData(w, http.StatusOK, o.Refresh(r.Context()))
}

// CloseTopUp handles DELETE /wallet/topups/{intentID}
func (h *Handler) CloseTopUp(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.GetSessionID(r.Context())
	if o, ok := h.topups.Remove(sessionID, topUpKey(chi.URLParam(r, "intentID"))); ok {
		o.Unmount()
	}
	w.WriteHeader(http.StatusNoContent)
}

// SubmitTopUp handles POST /wallet/topups/{intentID}/submit
func (h *Handler) SubmitTopUp(w http.ResponseWriter, r *http.Request) {
	o, ok := h.topUp(r)
	if !ok {
		api.NotFound(w, "top-up not found")
		return
	}

	var req SubmitRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	out, err := o.Submit(r.Context(), req.PaymentMethod)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, SubmitResponse[wallet.View]{Outcome: out, View: o.View()})
}

// RetryDepositConfirm handles POST /wallet/topups/{intentID}/confirm
func (h *Handler) RetryDepositConfirm(w http.ResponseWriter, r *http.Request) {
	o, ok := h.topUp(r)
	if !ok {
		api.NotFound(w, "top-up not found")
		return
	}

	out, err := o.RetryConfirm(r.Context())
	if err != nil {
		writeFlowError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, SubmitResponse[wallet.View]{Outcome: out, View: o.View()})
}

func (h *Handler) topUp(r *http.Request) (*wallet.Orchestrator, bool) {
	return h.topups.Get(middleware.GetSessionID(r.Context()), topUpKey(chi.URLParam(r, "intentID")))
}

func topUpKey(intentID string) string {
	return "topup:" + intentID
}

// BalanceResponse is the last balance the wallet service reported.
type BalanceResponse struct {
	Balance         *money.Money `json:"balance,omitempty"`
	PaymentIntentID string       `json:"payment_intent_id"`
	ConfirmedAt     *time.Time   `json:"confirmed_at,omitempty"`
}

// GetBalance handles GET /wallet/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	d, ok := h.balances[middleware.GetSessionID(r.Context())]
	h.mu.Unlock()
	if !ok {
		api.NotFound(w, "no confirmed deposit in this session")
		return
	}
	api.WriteData(w, http.StatusOK, BalanceResponse{
		Balance:         d.Balance,
		PaymentIntentID: d.PaymentIntentID,
		ConfirmedAt:     d.ConfirmedAt,
	})
}

func (h *Handler) recordBalance(_ context.Context, d journal.DepositConfirmation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.balances[d.SessionID] = d
}

// DrainNotices handles GET /notices
func (h *Handler) DrainNotices(w http.ResponseWriter, r *http.Request) {
	if h.inbox == nil {
		api.WriteData(w, http.StatusOK, []notify.Notice{})
		return
	}
	api.WriteData(w, http.StatusOK, h.inbox.Drain(middleware.GetSessionID(r.Context())))
}

// Sweep unmounts views idle for longer than idle.
func (h *Handler) Sweep(idle time.Duration) int {
	n := h.checkouts.Sweep(idle, func(o *booking.Orchestrator) { o.Unmount() })
	n += h.topups.Sweep(idle, func(o *wallet.Orchestrator) {
		if err := o.Blocking(context.Background()); err != nil {
			h.logger.Warn("evicting top-up with unresolved deposit", "payment_intent_id", o.IntentID(), "error", err)
		}
		o.Unmount()
	})
	return n
}

func writeFlowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotReady):
		api.WriteError(w, http.StatusConflict, api.ErrCodeNotReady, "card details are not ready")
	case errors.Is(err, domain.ErrSubmitInFlight):
		api.WriteError(w, http.StatusConflict, api.ErrCodeInFlight, "a payment is already being submitted")
	case errors.Is(err, domain.ErrReconciliationPending):
		api.WriteError(w, http.StatusConflict, api.ErrCodeReconciliation, "a previous top-up is awaiting deposit confirmation")
	case errors.Is(err, domain.ErrFormCompleted), errors.Is(err, domain.ErrWrongPhase):
		api.Conflict(w, err.Error())
	case errors.Is(err, domain.ErrUnmounted):
		api.NotFound(w, "payment view closed")
	default:
		api.InternalError(w, "payment flow failed")
	}
}
