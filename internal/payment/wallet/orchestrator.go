// Package wallet drives a wallet top-up: create an intent for an explicit
// amount, charge the card, then confirm the deposit with the wallet service.
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"payflow/internal/common/database"
	"payflow/internal/common/events"
	"payflow/internal/common/money"
	"payflow/internal/notify"
	"payflow/internal/payment/card"
	"payflow/internal/payment/domain"
	"payflow/internal/payment/form"
	"payflow/internal/payment/journal"
	"payflow/internal/services"
)

// IntentService creates top-up payment intents.
type IntentService interface {
	CreateForTopUp(ctx context.Context, amount money.Money, idempotencyKey string) (*domain.PaymentIntent, error)
}

// WalletService credits confirmed deposits.
type WalletService interface {
	ConfirmDeposit(ctx context.Context, paymentIntentID string, amount money.Money) (*services.DepositReceipt, error)
}

// DepositJournal stores deposit confirmation records.
type DepositJournal interface {
	GetDeposit(ctx context.Context, paymentIntentID string) (*journal.DepositConfirmation, error)
	SaveDeposit(ctx context.Context, d *journal.DepositConfirmation) error
}

// SuccessFunc is called once per confirmed deposit.
type SuccessFunc func(ctx context.Context, deposit journal.DepositConfirmation)

// Deps are the collaborators shared by every top-up view.
type Deps struct {
	Intents        IntentService
	Wallet         WalletService
	Deposits       DepositJournal
	Processor      card.Processor
	Notifier       notify.Notifier
	Attempts       form.AttemptRecorder
	Events         events.EventPublisher
	Flights        *singleflight.Group
	PublishableKey string
	Logger         *slog.Logger
}

// Phase is the page state of a top-up view.
type Phase string

const (
	PhaseIdle Phase = "idle"
	PhaseForm Phase = "form"
	// PhaseConfirming means the card was charged and the deposit confirm is in flight.
	PhaseConfirming Phase = "confirming"
	PhaseCompleted  Phase = "completed"
	PhasePending    Phase = "pending"
	// PhaseReconciliation means the card was charged but the wallet service
	// has not acknowledged the deposit.
	PhaseReconciliation Phase = "reconciliation_failed"
	PhaseError          Phase = "error"
)

// View is what the browser renders.
type View struct {
	Phase           Phase                        `json:"phase"`
	Amount          *money.Money                 `json:"amount,omitempty"`
	PaymentIntentID string                       `json:"payment_intent_id,omitempty"`
	PublishableKey  string                       `json:"publishable_key,omitempty"`
	Error           string                       `json:"error,omitempty"`
	Form            *form.View                   `json:"form,omitempty"`
	Deposit         *journal.DepositConfirmation `json:"deposit,omitempty"`
	Outcome         *domain.Outcome              `json:"outcome,omitempty"`
}

var idempotencyNamespace = uuid.MustParse("0b8f3d4e-7a21-4c6a-b1e3-5d9c2f8a6e40")

// Orchestrator is one mounted top-up view.
type Orchestrator struct {
	deps      Deps
	sessionID string
	nonce     string
	onSuccess SuccessFunc
	log       *slog.Logger

	mounted atomic.Bool
	steps   sync.Mutex

	mu      sync.Mutex
	view    View
	intent  *domain.PaymentIntent
	form    *form.Controller
	settled *domain.Outcome
}

// New mounts a top-up view. onSuccess may be nil.
func New(deps Deps, sessionID string, onSuccess SuccessFunc) *Orchestrator {
	o := &Orchestrator{
		deps:      deps,
		sessionID: sessionID,
		nonce:     ulid.Make().String(),
		onSuccess: onSuccess,
		log:       deps.Logger.With("session_id", sessionID, "flow", journal.FlowWalletTopUp),
		view:      View{Phase: PhaseIdle},
	}
	o.mounted.Store(true)
	return o
}

// idempotencyKey is stable for this mount and amount, so retrying a failed
// Start never mints a second intent for the same request.
func (o *Orchestrator) idempotencyKey(amount money.Money) string {
	name := fmt.Sprintf("topup/%s/%s/%d/%s", o.sessionID, o.nonce, amount.AmountMinor, amount.Currency)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

// Start creates a top-up intent for amount and shows the form.
func (o *Orchestrator) Start(ctx context.Context, amount money.Money) (View, error) {
	if !o.mounted.Load() {
		return View{}, domain.ErrUnmounted
	}
	o.steps.Lock()
	defer o.steps.Unlock()

	o.mu.Lock()
	phase := o.view.Phase
	o.mu.Unlock()
	if phase != PhaseIdle && phase != PhaseError {
		return View{}, domain.ErrWrongPhase
	}

	if !amount.IsPositive() {
		o.log.Error("refusing top-up", "error", domain.ErrNonPositiveAmount, "amount", amount.AmountMinor)
		out := domain.Fatal(domain.ReasonGuard, domain.MsgGenericError)
		o.update(func(v *View) {
			v.Phase = PhaseError
			v.Error = out.Detail
			v.Outcome = &out
		})
		return o.View(), nil
	}

	o.update(func(v *View) {
		v.Amount = &amount
		v.Error, v.Outcome = "", nil
	})

	callCtx := context.WithoutCancel(ctx)
	key := o.idempotencyKey(amount)
	val, err, _ := o.deps.Flights.Do("topup-intent:"+key, func() (any, error) {
		return o.deps.Intents.CreateForTopUp(callCtx, amount, key)
	})
	if !o.mounted.Load() {
		o.log.Debug("top-up intent resolved after unmount")
		return View{}, domain.ErrUnmounted
	}
	if err != nil {
		o.log.Warn("top-up intent creation failed", "error", err)
		o.deps.notify(ctx, o.log, o.sessionID, notify.LevelError, domain.MsgIntentFailed)
		out := domain.Retry(domain.ReasonIntent, domain.MsgIntentFailed)
		o.update(func(v *View) {
			v.Phase = PhaseError
			v.Error = out.Detail
			v.Outcome = &out
		})
		return o.View(), nil
	}

	pi := val.(*domain.PaymentIntent)
	f, err := form.NewController(form.Config{
		Flow:     journal.FlowWalletTopUp,
		Session:  o.sessionID,
		Intent:   pi,
		Widget:   card.NewWidget(o.deps.Processor),
		Settler:  o,
		Notifier: o.deps.Notifier,
		Attempts: o.deps.Attempts,
		Logger:   o.log,
	})
	if err != nil {
		return View{}, err
	}
	o.log.Info("top-up intent created", "payment_intent_id", pi.ID, "amount", amount.String())

	o.mu.Lock()
	o.intent = pi
	o.form = f
	o.view.Phase = PhaseForm
	o.view.PaymentIntentID = pi.ID
	o.view.PublishableKey = o.deps.PublishableKey
	o.mu.Unlock()
	return o.View(), nil
}

// IntentID returns the top-up's payment intent id, or "" before Start succeeds.
func (o *Orchestrator) IntentID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.intent == nil {
		return ""
	}
	return o.intent.ID
}

// Submit attaches the tokenized card and submits the form.
func (o *Orchestrator) Submit(ctx context.Context, paymentMethod string) (domain.Outcome, error) {
	if !o.mounted.Load() {
		return domain.Outcome{}, domain.ErrUnmounted
	}

	o.mu.Lock()
	f, phase := o.form, o.view.Phase
	o.mu.Unlock()
	if f == nil || phase != PhaseForm {
		return domain.Outcome{}, domain.ErrWrongPhase
	}

	if paymentMethod != "" {
		f.Widget().Attach(paymentMethod)
	}
	out, err := f.Submit(ctx)
	if err != nil {
		return domain.Outcome{}, err
	}
	if out.Reason == domain.ReasonProcessor {
		o.update(func(v *View) { v.Outcome = &out })
	}
	return out, nil
}

// RetryConfirm re-sends the deposit confirm for the same payment intent.
// It is offered after a reconciliation failure, including one the webhook
// hit while this view waited on a pending charge; on a completed top-up it
// returns the recorded outcome.
func (o *Orchestrator) RetryConfirm(ctx context.Context) (domain.Outcome, error) {
	if !o.mounted.Load() {
		return domain.Outcome{}, domain.ErrUnmounted
	}
	o.refresh(ctx)

	o.mu.Lock()
	phase, intent, settled := o.view.Phase, o.intent, o.settled
	o.mu.Unlock()

	switch {
	case phase == PhaseCompleted && settled != nil:
		return *settled, nil
	case phase != PhaseReconciliation:
		return domain.Outcome{}, domain.ErrWrongPhase
	}
	o.log.Info("manual deposit confirm retry", "payment_intent_id", intent.ID)
	return o.confirmDeposit(ctx, intent), nil
}

// Settle implements form.Settler: the charge succeeded, credit the wallet.
func (o *Orchestrator) Settle(ctx context.Context, intent *domain.PaymentIntent) domain.Outcome {
	return o.confirmDeposit(ctx, intent)
}

// Pending implements form.Settler. The deposit is confirmed out of band
// once the processor settles; it is journalled as pending for support.
func (o *Orchestrator) Pending(ctx context.Context, intent *domain.PaymentIntent, conf *card.Confirmation) domain.Outcome {
	if rec, err := journal.NewDepositConfirmation(intent.ID, o.sessionID, intent.Amount); err == nil {
		if err := o.deps.Deposits.SaveDeposit(ctx, rec); err != nil {
			o.log.Warn("failed to journal pending deposit", "error", err, "payment_intent_id", intent.ID)
		}
	}
	out := domain.Redirect(domain.WalletPath, domain.MsgPaymentProcessing)
	out.NextActionURL = conf.NextActionURL
	o.update(func(v *View) {
		v.Phase = PhasePending
		v.Outcome = &out
	})
	return out
}

// refresh folds a deposit the webhook settled or failed into a view still
// waiting on a pending charge.
func (o *Orchestrator) refresh(ctx context.Context) {
	o.mu.Lock()
	phase, intent := o.view.Phase, o.intent
	o.mu.Unlock()
	if phase != PhasePending || intent == nil {
		return
	}

	rec, err := o.deps.Deposits.GetDeposit(ctx, intent.ID)
	if err != nil {
		if !database.IsNotFound(err) {
			o.log.Warn("deposit journal unavailable", "error", err, "payment_intent_id", intent.ID)
		}
		return
	}
	switch rec.Status {
	case journal.DepositConfirmed:
		o.complete(rec, completedOutcome(rec))
	case journal.DepositFailed:
		out := domain.Retry(domain.ReasonReconciliation, domain.MsgReconciliationFailed)
		o.update(func(v *View) {
			if v.Phase != PhasePending {
				return
			}
			v.Phase = PhaseReconciliation
			v.Error = out.Detail
			v.Deposit = rec
			v.Outcome = &out
		})
	}
}

// Refresh returns the page state after picking up any out-of-band
// settlement of a pending charge.
func (o *Orchestrator) Refresh(ctx context.Context) View {
	o.refresh(ctx)
	return o.View()
}

// confirmDeposit credits the wallet once per top-up and folds the shared
// result into this view.
func (o *Orchestrator) confirmDeposit(ctx context.Context, intent *domain.PaymentIntent) domain.Outcome {
	o.mu.Lock()
	settled := o.settled
	o.mu.Unlock()
	if settled != nil {
		return *settled
	}

	o.update(func(v *View) { v.Phase = PhaseConfirming })
	res := o.deps.confirmDeposit(ctx, o.sessionID, intent.ID, intent.Amount)
	deposit := res.Deposit

	switch res.Outcome.Kind {
	case domain.OutcomeRedirect:
		if o.complete(&deposit, res.Outcome) && res.Fresh && o.onSuccess != nil {
			o.onSuccess(ctx, deposit)
		}
	case domain.OutcomeRetry:
		o.update(func(v *View) {
			v.Phase = PhaseReconciliation
			v.Error = res.Outcome.Detail
			v.Deposit = &deposit
			v.Outcome = &res.Outcome
		})
	default:
		o.update(func(v *View) {
			v.Phase = PhaseError
			v.Error = res.Outcome.Detail
			v.Outcome = &res.Outcome
		})
	}
	return res.Outcome
}

// complete records the settled outcome. It reports whether this call was
// the first to settle the view.
func (o *Orchestrator) complete(deposit *journal.DepositConfirmation, out domain.Outcome) bool {
	o.mu.Lock()
	first := o.settled == nil
	if first {
		o.settled = &out
	}
	o.mu.Unlock()

	o.update(func(v *View) {
		v.Phase = PhaseCompleted
		v.Error = ""
		v.Deposit = deposit
		v.Outcome = &out
	})
	return first
}

// Blocking reports why a new top-up in the same session must wait, or nil.
// A pending charge whose deposit confirm failed blocks like any other
// reconciliation failure.
func (o *Orchestrator) Blocking(ctx context.Context) error {
	o.refresh(ctx)

	o.mu.Lock()
	f, phase := o.form, o.view.Phase
	o.mu.Unlock()

	switch {
	case phase == PhaseReconciliation || phase == PhaseConfirming:
		return domain.ErrReconciliationPending
	case f != nil && f.State() == domain.FormSubmitting:
		return domain.ErrSubmitInFlight
	}
	return nil
}

// Unmount detaches the view. A confirm already in flight still completes
// and is journalled, but the view is no longer updated.
func (o *Orchestrator) Unmount() {
	if o.mounted.CompareAndSwap(true, false) {
		o.log.Debug("top-up view unmounted")
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

func (o *Orchestrator) update(fn func(v *View)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.mounted.Load() {
		return
	}
	fn(&o.view)
}
