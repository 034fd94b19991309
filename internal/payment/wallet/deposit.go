package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"payflow/internal/common/database"
	"payflow/internal/common/events"
	"payflow/internal/common/middleware"
	"payflow/internal/common/money"
	"payflow/internal/notify"
	"payflow/internal/payment/domain"
	"payflow/internal/payment/journal"
	"payflow/internal/services"
)

// depositResult is what every caller sharing one confirm flight sees.
type depositResult struct {
	Deposit journal.DepositConfirmation
	Outcome domain.Outcome
	// Fresh is set when this flight moved the deposit to confirmed.
	Fresh bool
}

// confirmDeposit runs the journalled deposit confirm for intentID. At most
// one confirm per intent is in flight process-wide; concurrent callers,
// views and webhooks alike, share its result and its notices. The wallet
// call is never aborted by the caller going away.
func (d Deps) confirmDeposit(ctx context.Context, sessionID, intentID string, amount money.Money) depositResult {
	ctx = context.WithoutCancel(ctx)
	val, _, _ := d.Flights.Do("deposit:"+intentID, func() (any, error) {
		return d.doConfirm(ctx, sessionID, intentID, amount), nil
	})
	return val.(depositResult)
}

func (d Deps) doConfirm(ctx context.Context, sessionID, intentID string, amount money.Money) depositResult {
	log := d.Logger.With("payment_intent_id", intentID)

	rec, err := d.Deposits.GetDeposit(ctx, intentID)
	switch {
	case err == nil:
		sessionID = rec.SessionID
	case errors.Is(err, database.ErrNotFound):
		rec = nil
	default:
		log.Warn("deposit journal unavailable", "error", err)
		rec = nil
	}
	if rec == nil {
		if rec, err = journal.NewDepositConfirmation(intentID, sessionID, amount); err != nil {
			log.Error("invalid deposit", "error", err)
			return depositResult{Outcome: domain.Fatal(domain.ReasonGuard, domain.MsgGenericError)}
		}
	}

	if rec.IsConfirmed() {
		log.Info("deposit already confirmed, replaying outcome")
		return depositResult{Deposit: *rec, Outcome: completedOutcome(rec)}
	}
	if !rec.Amount.Equal(amount) {
		log.Error("deposit amount does not match intent", "journal_amount", rec.Amount.String(), "intent_amount", amount.String())
		return depositResult{Deposit: *rec, Outcome: domain.Fatal(domain.ReasonGuard, domain.MsgGenericError)}
	}
	if err := rec.BeginAttempt(); err != nil {
		log.Error("cannot begin deposit confirm", "error", err)
		return depositResult{Deposit: *rec, Outcome: domain.Fatal(domain.ReasonGuard, domain.MsgGenericError)}
	}
	d.save(ctx, log, rec)

	receipt, err := d.Wallet.ConfirmDeposit(ctx, intentID, amount)
	switch {
	case err == nil:
		balance := receipt.Balance
		_ = rec.MarkConfirmed(&balance)
	case services.IsConflict(err):
		log.Info("wallet reports deposit already confirmed")
		_ = rec.MarkConfirmed(nil)
	default:
		log.Error("deposit confirmation failed", "error", err, "attempt", rec.Attempts)
		_ = rec.MarkFailed(err.Error())
		d.save(ctx, log, rec)
		d.notify(ctx, log, rec.SessionID, notify.LevelError, domain.MsgReconciliationFailed)
		d.publish(ctx, log, rec.SessionID, events.EventDepositReconciliationFailed, intentID, events.DepositReconciliationFailedData{
			PaymentIntentID: intentID,
			Amount:          rec.Amount.AmountMinor,
			Currency:        string(rec.Amount.Currency),
			Attempts:        rec.Attempts,
			LastError:       rec.LastError,
		})
		return depositResult{Deposit: *rec, Outcome: domain.Retry(domain.ReasonReconciliation, domain.MsgReconciliationFailed)}
	}
	d.save(ctx, log, rec)

	out := completedOutcome(rec)
	log.Info("deposit confirmed", "attempt", rec.Attempts)
	d.notify(ctx, log, rec.SessionID, notify.LevelSuccess, out.Detail)
	d.publish(ctx, log, rec.SessionID, events.EventDepositConfirmed, intentID, depositConfirmedData(rec))
	return depositResult{Deposit: *rec, Outcome: out, Fresh: true}
}

func completedOutcome(rec *journal.DepositConfirmation) domain.Outcome {
	detail := fmt.Sprintf("Added %s.", rec.Amount)
	if rec.Balance != nil {
		detail = fmt.Sprintf("Added %s. New balance: %s", rec.Amount, rec.Balance)
	}
	return domain.Redirect(domain.WalletPath, detail)
}

func depositConfirmedData(rec *journal.DepositConfirmation) events.DepositConfirmedData {
	data := events.DepositConfirmedData{
		PaymentIntentID: rec.PaymentIntentID,
		Amount:          rec.Amount.AmountMinor,
		Currency:        string(rec.Amount.Currency),
	}
	if rec.Balance != nil {
		b := rec.Balance.AmountMinor
		data.NewBalance = &b
	}
	return data
}

func (d Deps) save(ctx context.Context, log *slog.Logger, rec *journal.DepositConfirmation) {
	if err := d.Deposits.SaveDeposit(ctx, rec); err != nil {
		log.Warn("failed to journal deposit", "error", err, "status", rec.Status)
	}
}

func (d Deps) notify(ctx context.Context, log *slog.Logger, sessionID string, level notify.Level, msg string) {
	n := notify.Notice{Session: sessionID, Level: level, Message: msg}
	if err := d.Notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
		log.Warn("failed to deliver notice", "error", err)
	}
}

func (d Deps) publish(ctx context.Context, log *slog.Logger, sessionID, eventType, intentID string, data any) {
	if d.Events == nil {
		return
	}
	evt, err := events.NewEvent(eventType, sessionID, events.AggregatePaymentIntent, intentID, data)
	if err != nil {
		log.Error("failed to build event", "error", err, "type", eventType)
		return
	}
	evt.WithCorrelation(middleware.GetCorrelationID(ctx), "")
	if err := d.Events.Publish(context.WithoutCancel(ctx), evt); err != nil {
		log.Warn("failed to publish event", "error", err, "type", eventType)
	}
}

// Reconciler confirms deposits for top-ups whose charge settled after the
// view stopped waiting, driven by processor webhooks.
type Reconciler struct {
	deps Deps
}

func NewReconciler(deps Deps) *Reconciler {
	return &Reconciler{deps: deps}
}

// Reconcile confirms the journalled pending deposit for intentID. It
// reports false when the intent is not a top-up started here.
func (r *Reconciler) Reconcile(ctx context.Context, intentID string, amount money.Money) (domain.Outcome, bool) {
	rec, err := r.deps.Deposits.GetDeposit(ctx, intentID)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			r.deps.Logger.Warn("deposit journal unavailable", "error", err, "payment_intent_id", intentID)
		}
		return domain.Outcome{}, false
	}
	// Only top-ups that were left pending are confirmed here. A failed
	// confirm waits for the customer's manual retry.
	if rec.Status != journal.DepositPending || rec.Attempts > 0 {
		if rec.IsConfirmed() {
			return completedOutcome(rec), true
		}
		return domain.Retry(domain.ReasonReconciliation, domain.MsgReconciliationFailed), true
	}
	res := r.deps.confirmDeposit(ctx, rec.SessionID, intentID, amount)
	return res.Outcome, true
}

// Abandon tells the session a pending top-up was not charged. It reports
// false when the intent is not a top-up started here.
func (r *Reconciler) Abandon(ctx context.Context, intentID string) bool {
	rec, err := r.deps.Deposits.GetDeposit(ctx, intentID)
	if err != nil || rec.IsConfirmed() {
		return false
	}
	log := r.deps.Logger.With("payment_intent_id", intentID)
	log.Info("pending top-up was not charged")
	r.deps.notify(ctx, log, rec.SessionID, notify.LevelError, domain.MsgPaymentFailedFallback)
	return true
}
