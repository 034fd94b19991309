// Package booking drives the payment page of a single booking: load the
// booking, obtain a payment intent, run the payment form, redirect.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"payflow/internal/common/events"
	"payflow/internal/common/middleware"
	"payflow/internal/common/money"
	"payflow/internal/notify"
	"payflow/internal/payment/card"
	"payflow/internal/payment/domain"
	"payflow/internal/payment/form"
	"payflow/internal/payment/journal"
	"payflow/internal/payment/session"
	"payflow/internal/services"
)

// BookingService reads bookings.
type BookingService interface {
	GetBooking(ctx context.Context, bookingID string) (*domain.Booking, error)
}

// IntentService creates booking payment intents.
type IntentService interface {
	CreateForBooking(ctx context.Context, bookingID string, amount money.Money, idempotencyKey string) (*domain.PaymentIntent, error)
}

// Deps are the collaborators shared by every booking payment view.
type Deps struct {
	Bookings       BookingService
	Intents        IntentService
	Cache          session.IntentCache
	Processor      card.Processor
	Notifier       notify.Notifier
	Attempts       form.AttemptRecorder
	Events         events.EventPublisher
	Flights        *singleflight.Group
	PublishableKey string
	Logger         *slog.Logger
}

// Phase is the page state of the booking payment view.
type Phase string

const (
	PhaseLoading  Phase = "loading"
	PhaseForm     Phase = "form"
	PhaseRedirect Phase = "redirect"
	PhaseError    Phase = "error"
)

// View is what the browser renders.
type View struct {
	Phase           Phase                `json:"phase"`
	BookingID       string               `json:"booking_id"`
	Booking         *domain.Booking      `json:"booking,omitempty"`
	PaymentIntentID string               `json:"payment_intent_id,omitempty"`
	PublishableKey  string               `json:"publishable_key,omitempty"`
	Error           string               `json:"error,omitempty"`
	Retry           domain.FailureReason `json:"retry,omitempty"`
	RedirectTo      string               `json:"redirect_to,omitempty"`
	Form            *form.View           `json:"form,omitempty"`
	Outcome         *domain.Outcome      `json:"outcome,omitempty"`
}

var idempotencyNamespace = uuid.MustParse("6f1c9a52-3c1e-4b8e-9a57-0d2f4b7e8c11")

// IntentKey is the idempotency key for the intent of bookingID in sessionID.
// A lost create response retried with the same key yields the same intent.
func IntentKey(sessionID, bookingID string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte("booking/"+sessionID+"/"+bookingID)).String()
}

// Orchestrator is one mounted booking payment view.
type Orchestrator struct {
	deps      Deps
	sessionID string
	bookingID string
	log       *slog.Logger

	mounted atomic.Bool
	// steps serializes the fetch -> intent -> form chain.
	steps sync.Mutex

	mu      sync.Mutex
	view    View
	booking *domain.Booking
	intent  *domain.PaymentIntent
	form    *form.Controller
}

// New mounts a booking payment view. Nothing is fetched until Open.
func New(deps Deps, sessionID, bookingID string) *Orchestrator {
	o := &Orchestrator{
		deps:      deps,
		sessionID: sessionID,
		bookingID: bookingID,
		log:       deps.Logger.With("session_id", sessionID, "booking_id", bookingID),
		view:      View{Phase: PhaseLoading, BookingID: bookingID},
	}
	o.mounted.Store(true)
	return o
}

// Open loads the booking and, when unpaid, obtains an intent and shows the
// form. Opening an already rendered view returns it unchanged.
func (o *Orchestrator) Open(ctx context.Context) (View, error) {
	if !o.mounted.Load() {
		return View{}, domain.ErrUnmounted
	}
	o.steps.Lock()
	defer o.steps.Unlock()

	o.mu.Lock()
	phase, haveBooking := o.view.Phase, o.booking != nil
	o.mu.Unlock()

	switch {
	case phase == PhaseForm || phase == PhaseRedirect:
		return o.View(), nil
	case haveBooking:
		return o.obtainIntent(ctx)
	default:
		return o.load(ctx)
	}
}

// RetryFetch re-runs the booking fetch after a fetch failure.
func (o *Orchestrator) RetryFetch(ctx context.Context) (View, error) {
	if !o.mounted.Load() {
		return View{}, domain.ErrUnmounted
	}
	o.steps.Lock()
	defer o.steps.Unlock()

	if !o.awaitingRetry(domain.ReasonFetch) {
		return View{}, domain.ErrWrongPhase
	}
	return o.load(ctx)
}

// RetryIntent re-runs intent creation without refetching the booking.
func (o *Orchestrator) RetryIntent(ctx context.Context) (View, error) {
	if !o.mounted.Load() {
		return View{}, domain.ErrUnmounted
	}
	o.steps.Lock()
	defer o.steps.Unlock()

	if !o.awaitingRetry(domain.ReasonIntent) {
		return View{}, domain.ErrWrongPhase
	}
	return o.obtainIntent(ctx)
}

// Retry dispatches to whichever retry the current error offers.
func (o *Orchestrator) Retry(ctx context.Context) (View, error) {
	o.mu.Lock()
	reason := o.view.Retry
	o.mu.Unlock()

	switch reason {
	case domain.ReasonFetch:
		return o.RetryFetch(ctx)
	case domain.ReasonIntent:
		return o.RetryIntent(ctx)
	}
	return View{}, domain.ErrWrongPhase
}

func (o *Orchestrator) awaitingRetry(reason domain.FailureReason) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.view.Phase == PhaseError && o.view.Retry == reason
}

// Submit attaches the tokenized card and submits the form.
func (o *Orchestrator) Submit(ctx context.Context, paymentMethod string) (domain.Outcome, error) {
	if !o.mounted.Load() {
		return domain.Outcome{}, domain.ErrUnmounted
	}

	o.mu.Lock()
	f, phase := o.form, o.view.Phase
	o.mu.Unlock()
	if phase != PhaseForm || f == nil {
		return domain.Outcome{}, domain.ErrWrongPhase
	}

	if paymentMethod != "" {
		f.Widget().Attach(paymentMethod)
	}
	out, err := f.Submit(ctx)
	if err != nil {
		return domain.Outcome{}, err
	}

	o.update(func(v *View) {
		fv := f.View()
		v.Form = &fv
		v.Outcome = &out
		if out.IsRedirect() {
			v.Phase = PhaseRedirect
			v.RedirectTo = out.RedirectTo
		}
	})
	return out, nil
}

// Unmount detaches the view. Outstanding calls finish but no longer update it.
func (o *Orchestrator) Unmount() {
	if o.mounted.CompareAndSwap(true, false) {
		o.log.Debug("booking payment view unmounted")
	}
}

// Mounted reports whether the view is still attached.
func (o *Orchestrator) Mounted() bool {
	return o.mounted.Load()
}

// View returns a snapshot of the page state.
func (o *Orchestrator) View() View {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := o.view
	if o.form != nil {
		fv := o.form.View()
		v.Form = &fv
	}
	return v
}

// FormState reports the form state, or "" before the form exists.
func (o *Orchestrator) FormState() domain.FormState {
	o.mu.Lock()
	f := o.form
	o.mu.Unlock()
	if f == nil {
		return ""
	}
	return f.State()
}

func (o *Orchestrator) load(ctx context.Context) (View, error) {
	o.update(func(v *View) {
		v.Phase = PhaseLoading
		v.Error, v.Retry, v.Outcome = "", domain.ReasonNone, nil
	})

	b, err := o.deps.Bookings.GetBooking(context.WithoutCancel(ctx), o.bookingID)
	if !o.mounted.Load() {
		o.log.Debug("booking fetch resolved after unmount")
		return View{}, domain.ErrUnmounted
	}
	if err != nil {
		o.log.Warn("booking fetch failed", "error", err)
		o.notify(ctx, notify.LevelError, domain.MsgBookingLoadFailed)
		return o.fail(domain.Retry(domain.ReasonFetch, domain.MsgBookingLoadFailed)), nil
	}

	if !b.NeedsPayment() {
		o.log.Info("booking needs no payment", "payment_status", b.PaymentStatus)
		out := domain.Redirect(domain.BookingDetailPath(o.bookingID), string(b.PaymentStatus))
		o.update(func(v *View) {
			v.Phase = PhaseRedirect
			v.Booking = b
			v.RedirectTo = out.RedirectTo
			v.Outcome = &out
		})
		return o.View(), nil
	}

	if err := o.checkBooking(b); err != nil {
		o.log.Error("refusing to charge booking", "error", err)
		return o.fail(domain.Fatal(domain.ReasonGuard, domain.MsgGenericError)), nil
	}

	o.mu.Lock()
	o.booking = b
	o.view.Booking = b
	o.mu.Unlock()

	return o.obtainIntent(ctx)
}

func (o *Orchestrator) checkBooking(b *domain.Booking) error {
	if b.ID != o.bookingID {
		return fmt.Errorf("booking service returned %s for %s", b.ID, o.bookingID)
	}
	return b.Validate()
}

// obtainIntent reuses the session's live intent for this booking or
// creates one. Concurrent mounts share one in-flight creation.
func (o *Orchestrator) obtainIntent(ctx context.Context) (View, error) {
	o.mu.Lock()
	b, intent := o.booking, o.intent
	o.mu.Unlock()
	if intent != nil {
		return o.showForm(intent)
	}

	callCtx := context.WithoutCancel(ctx)
	flight := "booking-intent:" + o.sessionID + ":" + o.bookingID
	v, err, shared := o.deps.Flights.Do(flight, func() (any, error) {
		if cached := o.cachedIntent(callCtx, b); cached != nil {
			return cached, nil
		}
		pi, err := o.deps.Intents.CreateForBooking(callCtx, o.bookingID, b.Price, IntentKey(o.sessionID, o.bookingID))
		if err != nil {
			return nil, err
		}
		o.log.Info("payment intent created", "payment_intent_id", pi.ID)
		if err := o.deps.Cache.Put(callCtx, o.sessionID, pi); err != nil {
			o.log.Warn("failed to cache payment intent", "error", err, "payment_intent_id", pi.ID)
		}
		return pi, nil
	})
	if !o.mounted.Load() {
		o.log.Debug("intent creation resolved after unmount")
		return View{}, domain.ErrUnmounted
	}
	if err != nil {
		o.log.Warn("payment intent creation failed", "error", err, "shared", shared)
		o.notify(ctx, notify.LevelError, domain.MsgIntentFailed)
		if services.IsValidation(err) {
			// The service refused the booking, most likely because it was
			// paid meanwhile. Refetching shows the settled state.
			return o.fail(domain.Retry(domain.ReasonFetch, domain.MsgIntentFailed)), nil
		}
		return o.fail(domain.Retry(domain.ReasonIntent, domain.MsgIntentFailed)), nil
	}

	pi := v.(*domain.PaymentIntent)
	o.mu.Lock()
	o.intent = pi
	o.mu.Unlock()
	return o.showForm(pi)
}

func (o *Orchestrator) cachedIntent(ctx context.Context, b *domain.Booking) *domain.PaymentIntent {
	pi, err := o.deps.Cache.Get(ctx, o.sessionID, o.bookingID)
	if err != nil {
		o.log.Warn("intent cache unavailable", "error", err)
		return nil
	}
	if pi == nil {
		return nil
	}
	if !pi.Amount.Equal(b.Price) {
		o.log.Info("discarding cached intent with stale amount", "payment_intent_id", pi.ID)
		return nil
	}
	o.log.Info("reusing payment intent", "payment_intent_id", pi.ID)
	return pi
}

func (o *Orchestrator) showForm(pi *domain.PaymentIntent) (View, error) {
	o.mu.Lock()
	if o.form == nil {
		f, err := form.NewController(form.Config{
			Flow:     journal.FlowBooking,
			Session:  o.sessionID,
			Intent:   pi,
			Widget:   card.NewWidget(o.deps.Processor),
			Settler:  o,
			Notifier: o.deps.Notifier,
			Attempts: o.deps.Attempts,
			Logger:   o.log,
		})
		if err != nil {
			o.mu.Unlock()
			return View{}, err
		}
		o.form = f
	}
	o.view.Phase = PhaseForm
	o.view.PaymentIntentID = pi.ID
	o.view.PublishableKey = o.deps.PublishableKey
	o.view.Error, o.view.Retry, o.view.Outcome = "", domain.ReasonNone, nil
	o.mu.Unlock()

	return o.View(), nil
}

// Settle implements form.Settler. The booking service learns about the
// charge from the processor; no confirm call is made here.
func (o *Orchestrator) Settle(ctx context.Context, intent *domain.PaymentIntent) domain.Outcome {
	o.notify(ctx, notify.LevelSuccess, domain.MsgPaymentSucceeded)
	o.finish(ctx, intent, events.EventBookingPaymentCompleted)
	return domain.Redirect(domain.BookingDetailPath(o.bookingID), domain.MsgPaymentSucceeded)
}

// Pending implements form.Settler. Status updates arrive out of band.
func (o *Orchestrator) Pending(ctx context.Context, intent *domain.PaymentIntent, conf *card.Confirmation) domain.Outcome {
	o.finish(ctx, intent, events.EventBookingPaymentPending)
	out := domain.Redirect(domain.BookingDetailPath(o.bookingID), domain.MsgPaymentProcessing)
	out.NextActionURL = conf.NextActionURL
	return out
}

func (o *Orchestrator) finish(ctx context.Context, intent *domain.PaymentIntent, eventType string) {
	if err := o.deps.Cache.Delete(ctx, o.sessionID, o.bookingID); err != nil {
		o.log.Warn("failed to clear cached intent", "error", err)
	}
	o.publish(ctx, eventType, events.BookingPaymentData{
		BookingID:       o.bookingID,
		PaymentIntentID: intent.ID,
		Status:          string(intent.Status),
		Amount:          intent.Amount.AmountMinor,
		Currency:        string(intent.Amount.Currency),
	})
}

func (o *Orchestrator) fail(out domain.Outcome) View {
	o.update(func(v *View) {
		v.Phase = PhaseError
		v.Error = out.Detail
		v.Retry = domain.ReasonNone
		if out.IsRetry() {
			v.Retry = out.Reason
		}
		v.Outcome = &out
	})
	return o.View()
}

// update applies fn unless the view has been unmounted.
func (o *Orchestrator) update(fn func(v *View)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.mounted.Load() {
		return
	}
	fn(&o.view)
}

func (o *Orchestrator) notify(ctx context.Context, level notify.Level, msg string) {
	n := notify.Notice{Session: o.sessionID, Level: level, Message: msg}
	if err := o.deps.Notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
		o.log.Warn("failed to deliver notice", "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, data any) {
	if o.deps.Events == nil {
		return
	}
	evt, err := events.NewEvent(eventType, o.sessionID, events.AggregateBooking, o.bookingID, data)
	if err != nil {
		o.log.Error("failed to build event", "error", err, "type", eventType)
		return
	}
	evt.WithCorrelation(middleware.GetCorrelationID(ctx), "")
	if err := o.deps.Events.Publish(context.WithoutCancel(ctx), evt); err != nil {
		o.log.Warn("failed to publish event", "error", err, "type", eventType)
	}
}

// IsGuardError reports errors that leave the view untouched.
func IsGuardError(err error) bool {
	return errors.Is(err, domain.ErrNotReady) ||
		errors.Is(err, domain.ErrSubmitInFlight) ||
		errors.Is(err, domain.ErrFormCompleted) ||
		errors.Is(err, domain.ErrWrongPhase)
}
