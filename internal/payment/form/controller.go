package form

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"payflow/internal/notify"
	"payflow/internal/payment/card"
	"payflow/internal/payment/domain"
	"payflow/internal/payment/journal"
)

// Settler is the variant-specific step run once the processor has accepted
// or deferred the charge.
type Settler interface {
	// Settle runs after the charge succeeded.
	Settle(ctx context.Context, intent *domain.PaymentIntent) domain.Outcome
	// Pending runs when the charge will complete asynchronously.
	Pending(ctx context.Context, intent *domain.PaymentIntent, conf *card.Confirmation) domain.Outcome
}

// AttemptRecorder journals submission attempts.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, a journal.Attempt) error
}

// Config wires a Controller.
type Config struct {
	Flow     journal.Flow
	Session  string
	Intent   *domain.PaymentIntent
	Widget   *card.Widget
	Settler  Settler
	Notifier notify.Notifier
	Attempts AttemptRecorder
	Logger   *slog.Logger
}

// View is a snapshot of the form for rendering.
type View struct {
	State         domain.FormState    `json:"state"`
	Error         string              `json:"error,omitempty"`
	SubmitEnabled bool                `json:"submit_enabled"`
	Attempts      int                 `json:"attempts"`
	IntentStatus  domain.IntentStatus `json:"intent_status"`
}

// Controller owns the submit lifecycle of one mounted payment form.
type Controller struct {
	cfg     Config
	machine *Machine

	mu       sync.Mutex
	errMsg   string
	attempts int
}

// NewController creates a form in the idle state.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Intent == nil || cfg.Intent.ClientSecret == "" {
		return nil, errors.New("payment form requires a client secret")
	}
	if cfg.Widget == nil || cfg.Settler == nil || cfg.Notifier == nil || cfg.Logger == nil {
		return nil, errors.New("payment form is missing a collaborator")
	}
	// The form advances its own copy; cached intents stay as issued.
	intent := *cfg.Intent
	cfg.Intent = &intent
	return &Controller{cfg: cfg, machine: NewMachine()}, nil
}

// Widget returns the form's card capture widget.
func (c *Controller) Widget() *card.Widget {
	return c.cfg.Widget
}

// View returns a snapshot of the form.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.machine.State()
	return View{
		State:         state,
		Error:         c.errMsg,
		SubmitEnabled: c.cfg.Widget.Ready() && (state == domain.FormIdle || state == domain.FormFailed),
		Attempts:      c.attempts,
		IntentStatus:  c.cfg.Intent.Status,
	}
}

// State returns the current form state.
func (c *Controller) State() domain.FormState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.State()
}

// Submit confirms the charge with the stored client secret. Guard errors
// (ErrNotReady, ErrSubmitInFlight, ErrFormCompleted) leave the form
// untouched; every other result is reported through the Outcome.
func (c *Controller) Submit(ctx context.Context) (domain.Outcome, error) {
	// The processor call is never aborted by the caller going away.
	callCtx := context.WithoutCancel(ctx)

	c.mu.Lock()
	if !c.cfg.Widget.Ready() {
		c.mu.Unlock()
		return domain.Outcome{}, domain.ErrNotReady
	}
	if c.cfg.Intent.IsTerminal() {
		c.mu.Unlock()
		return domain.Outcome{}, domain.ErrFormCompleted
	}
	if err := c.machine.Fire(callCtx, TriggerSubmit); err != nil {
		state := c.machine.State()
		c.mu.Unlock()
		if state == domain.FormSubmitting {
			return domain.Outcome{}, domain.ErrSubmitInFlight
		}
		return domain.Outcome{}, domain.ErrFormCompleted
	}
	c.errMsg = ""
	c.attempts++
	c.mu.Unlock()

	intent := c.cfg.Intent
	log := c.cfg.Logger.With("payment_intent_id", intent.ID, "session_id", c.cfg.Session)

	conf, err := c.confirm(callCtx)
	if err != nil {
		return c.fail(callCtx, log, err), nil
	}

	if conf.PaymentIntentID != "" && conf.PaymentIntentID != intent.ID {
		log.Warn("processor reported a different payment intent", "reported", conf.PaymentIntentID)
	}

	if conf.Status.Pending() {
		c.advance(domain.IntentStatus(conf.Status))
		c.transition(callCtx, log, TriggerPend)
		c.record(callCtx, log, journal.NewAttempt(intent.ID, c.cfg.Session, c.cfg.Flow, journal.AttemptPending))
		c.notify(callCtx, log, notify.LevelInfo, domain.MsgPaymentProcessing)
		log.Info("card payment pending", "status", conf.Status)
		return c.cfg.Settler.Pending(callCtx, intent, conf), nil
	}

	c.advance(domain.IntentSucceeded)
	c.transition(callCtx, log, TriggerSucceed)
	c.record(callCtx, log, journal.NewAttempt(intent.ID, c.cfg.Session, c.cfg.Flow, journal.AttemptSucceeded))
	log.Info("card payment succeeded")
	return c.cfg.Settler.Settle(callCtx, intent), nil
}

func (c *Controller) confirm(ctx context.Context) (conf *card.Confirmation, err error) {
	defer func() {
		if r := recover(); r != nil {
			conf, err = nil, fmt.Errorf("card processor panic: %v", r)
		}
	}()
	return c.cfg.Widget.Confirm(ctx, c.cfg.Intent.ClientSecret)
}

func (c *Controller) fail(ctx context.Context, log *slog.Logger, err error) domain.Outcome {
	msg := domain.MsgGenericError
	attempt := journal.NewAttempt(c.cfg.Intent.ID, c.cfg.Session, c.cfg.Flow, journal.AttemptErrored)

	var decline *card.DeclineError
	if errors.As(err, &decline) {
		msg = decline.Message
		attempt.Outcome = journal.AttemptDeclined
		attempt.ErrorCode = decline.Code
		log.Info("card payment declined", "code", decline.Code, "decline_code", decline.DeclineCode)
	} else {
		log.Error("card payment failed", "error", err)
	}
	attempt.ErrorMessage = msg

	c.mu.Lock()
	if fireErr := c.machine.Fire(ctx, TriggerFail); fireErr != nil {
		log.Error("form transition failed", "error", fireErr)
	}
	c.errMsg = msg
	c.mu.Unlock()

	c.record(ctx, log, attempt)
	c.notify(ctx, log, notify.LevelError, msg)
	return domain.Retry(domain.ReasonProcessor, msg)
}

// advance records the processor-reported intent status.
func (c *Controller) advance(status domain.IntentStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Intent.Status = status
}

func (c *Controller) transition(ctx context.Context, log *slog.Logger, t Trigger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.machine.Fire(ctx, t); err != nil {
		log.Error("form transition failed", "error", err)
	}
}

func (c *Controller) record(ctx context.Context, log *slog.Logger, a journal.Attempt) {
	if c.cfg.Attempts == nil {
		return
	}
	if err := c.cfg.Attempts.RecordAttempt(ctx, a); err != nil {
		log.Warn("failed to journal payment attempt", "error", err, "outcome", a.Outcome)
	}
}

func (c *Controller) notify(ctx context.Context, log *slog.Logger, level notify.Level, msg string) {
	n := notify.Notice{Session: c.cfg.Session, Level: level, Message: msg}
	if err := c.cfg.Notifier.Notify(ctx, n); err != nil {
		log.Warn("failed to deliver notice", "error", err, "level", level)
	}
}
