package form

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payflow/internal/common/money"
	"payflow/internal/notify"
	"payflow/internal/payment/card"
	"payflow/internal/payment/domain"
	"payflow/internal/payment/journal"
)

type scriptedProcessor struct {
	mu      sync.Mutex
	results []func() (*card.Confirmation, error)
	secrets []string
	block   chan struct{}
	entered chan struct{}
}

func (p *scriptedProcessor) ConfirmCardPayment(_ context.Context, clientSecret, _ string) (*card.Confirmation, error) {
	p.mu.Lock()
	p.secrets = append(p.secrets, clientSecret)
	next := p.results[0]
	if len(p.results) > 1 {
		p.results = p.results[1:]
	}
	p.mu.Unlock()

	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.block != nil {
		<-p.block
	}
	return next()
}

func succeed(id string) func() (*card.Confirmation, error) {
	return func() (*card.Confirmation, error) {
		return &card.Confirmation{PaymentIntentID: id, Status: card.StatusSucceeded}, nil
	}
}

func decline(msg string) func() (*card.Confirmation, error) {
	return func() (*card.Confirmation, error) {
		return nil, &card.DeclineError{Code: "card_declined", Message: msg}
	}
}

type recordingSettler struct {
	settled int
	pending int
}

func (s *recordingSettler) Settle(_ context.Context, intent *domain.PaymentIntent) domain.Outcome {
	s.settled++
	return domain.Redirect("/done/"+intent.ID, "")
}

func (s *recordingSettler) Pending(_ context.Context, intent *domain.PaymentIntent, conf *card.Confirmation) domain.Outcome {
	s.pending++
	o := domain.Redirect("/done/"+intent.ID, "processing")
	o.NextActionURL = conf.NextActionURL
	return o
}

type formFixture struct {
	proc     *scriptedProcessor
	settler  *recordingSettler
	notices  *notify.Recorder
	attempts *journal.MemoryStore
	ctrl     *Controller
}

func setupFormTest(t *testing.T, results ...func() (*card.Confirmation, error)) *formFixture {
	t.Helper()
	intent, err := domain.NewPaymentIntent("pi_1", "pi_1_secret_abc", money.New(4200, money.USD), "b1")
	require.NoError(t, err)

	f := &formFixture{
		proc:     &scriptedProcessor{results: results},
		settler:  &recordingSettler{},
		notices:  notify.NewRecorder(),
		attempts: journal.NewMemoryStore(),
	}
	f.ctrl, err = NewController(Config{
		Flow:     journal.FlowBooking,
		Session:  "s1",
		Intent:   intent,
		Widget:   card.NewWidget(f.proc),
		Settler:  f.settler,
		Notifier: f.notices,
		Attempts: f.attempts,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return f
}

func TestSubmitNotReadyIsNoop(t *testing.T) {
	f := setupFormTest(t, succeed("pi_1"))

	_, err := f.ctrl.Submit(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotReady)
	assert.Equal(t, domain.FormIdle, f.ctrl.State())
	assert.Empty(t, f.proc.secrets, "no processor call")
	assert.Empty(t, f.notices.Notices(), "not a user-visible error")
	assert.False(t, f.ctrl.View().SubmitEnabled)
}

func TestSubmitSucceeded(t *testing.T) {
	f := setupFormTest(t, succeed("pi_1"))
	f.ctrl.Widget().Attach("pm_card_visa")
	assert.True(t, f.ctrl.View().SubmitEnabled)

	out, err := f.ctrl.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Redirect("/done/pi_1", ""), out)
	assert.Equal(t, domain.FormSucceeded, f.ctrl.State())
	assert.Equal(t, 1, f.settler.settled)
	assert.False(t, f.ctrl.View().SubmitEnabled)
	assert.Equal(t, domain.IntentSucceeded, f.ctrl.View().IntentStatus)

	_, err = f.ctrl.Submit(context.Background())
	assert.ErrorIs(t, err, domain.ErrFormCompleted)
	assert.Len(t, f.proc.secrets, 1)
}

func TestDeclineReusesClientSecret(t *testing.T) {
	f := setupFormTest(t, decline("Your card was declined."), succeed("pi_1"))
	f.ctrl.Widget().Attach("pm_card_visa")

	out, err := f.ctrl.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRetry, out.Kind)
	assert.Equal(t, domain.ReasonProcessor, out.Reason)
	assert.Equal(t, "Your card was declined.", out.Detail)

	view := f.ctrl.View()
	assert.Equal(t, domain.FormFailed, view.State)
	assert.Equal(t, "Your card was declined.", view.Error)
	assert.True(t, view.SubmitEnabled, "submission re-enabled")
	assert.Equal(t, 1, f.notices.Count(notify.LevelError))
	assert.Zero(t, f.settler.settled)

	out, err = f.ctrl.Submit(context.Background())
	require.NoError(t, err)
	assert.True(t, out.IsRedirect())
	assert.Empty(t, f.ctrl.View().Error, "prior error cleared")
	assert.Equal(t, []string{"pi_1_secret_abc", "pi_1_secret_abc"}, f.proc.secrets)

	attempts, _ := f.attempts.ListAttempts(context.Background(), "pi_1")
	require.Len(t, attempts, 2)
	assert.Equal(t, journal.AttemptDeclined, attempts[0].Outcome)
	assert.Equal(t, "card_declined", attempts[0].ErrorCode)
	assert.Equal(t, journal.AttemptSucceeded, attempts[1].Outcome)
}

func TestUnexpectedErrorIsRetryable(t *testing.T) {
	f := setupFormTest(t, func() (*card.Confirmation, error) {
		return nil, errors.New("connection reset")
	})
	f.ctrl.Widget().Attach("pm_card_visa")

	out, err := f.ctrl.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Retry(domain.ReasonProcessor, domain.MsgGenericError), out)
	assert.Equal(t, domain.FormFailed, f.ctrl.State())
	assert.True(t, f.ctrl.View().SubmitEnabled)
}

func TestProcessorPanicNeverStallsSubmitting(t *testing.T) {
	f := setupFormTest(t, func() (*card.Confirmation, error) {
		panic("sdk crashed")
	})
	f.ctrl.Widget().Attach("pm_card_visa")

	out, err := f.ctrl.Submit(context.Background())
	require.NoError(t, err)
	assert.True(t, out.IsRetry())
	assert.Equal(t, domain.FormFailed, f.ctrl.State())
}

func TestPendingDoesNotPoll(t *testing.T) {
	f := setupFormTest(t, func() (*card.Confirmation, error) {
		return &card.Confirmation{PaymentIntentID: "pi_1", Status: card.StatusRequiresAction, NextActionURL: "https://3ds.example"}, nil
	})
	f.ctrl.Widget().Attach("pm_card_visa")

	out, err := f.ctrl.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.FormPending, f.ctrl.State())
	assert.Equal(t, "https://3ds.example", out.NextActionURL)
	assert.Equal(t, domain.IntentRequiresAction, f.ctrl.View().IntentStatus)
	assert.Equal(t, 1, f.settler.pending)
	assert.Equal(t, 1, f.notices.Count(notify.LevelInfo))
	assert.Len(t, f.proc.secrets, 1)
}

func TestReentrantSubmitRejected(t *testing.T) {
	f := setupFormTest(t, succeed("pi_1"))
	f.proc.block = make(chan struct{})
	f.proc.entered = make(chan struct{}, 1)
	f.ctrl.Widget().Attach("pm_card_visa")

	done := make(chan domain.Outcome)
	go func() {
		out, _ := f.ctrl.Submit(context.Background())
		done <- out
	}()
	<-f.proc.entered

	assert.Equal(t, domain.FormSubmitting, f.ctrl.State())
	assert.False(t, f.ctrl.View().SubmitEnabled)
	_, err := f.ctrl.Submit(context.Background())
	assert.ErrorIs(t, err, domain.ErrSubmitInFlight)

	close(f.proc.block)
	out := <-done
	assert.True(t, out.IsRedirect())
	assert.Len(t, f.proc.secrets, 1)
}

func TestCanceledContextStillCompletes(t *testing.T) {
	f := setupFormTest(t, succeed("pi_1"))
	f.ctrl.Widget().Attach("pm_card_visa")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := f.ctrl.Submit(ctx)
	require.NoError(t, err)
	assert.True(t, out.IsRedirect())
	assert.Equal(t, domain.FormSucceeded, f.ctrl.State())
}

func TestNewControllerRequiresSecret(t *testing.T) {
	_, err := NewController(Config{})
	assert.Error(t, err)
}

func TestSettledIntentIsNotConfirmedAgain(t *testing.T) {
	intent, err := domain.NewPaymentIntent("pi_1", "pi_1_secret_abc", money.New(4200, money.USD), "b1")
	require.NoError(t, err)
	intent.Status = domain.IntentSucceeded

	proc := &scriptedProcessor{results: []func() (*card.Confirmation, error){succeed("pi_1")}}
	ctrl, err := NewController(Config{
		Flow:     journal.FlowBooking,
		Session:  "s1",
		Intent:   intent,
		Widget:   card.NewWidget(proc),
		Settler:  &recordingSettler{},
		Notifier: notify.NewRecorder(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	ctrl.Widget().Attach("pm_card_visa")

	_, err = ctrl.Submit(context.Background())
	assert.ErrorIs(t, err, domain.ErrFormCompleted)
	assert.Empty(t, proc.secrets)
}

func TestFormAdvancesItsOwnIntentCopy(t *testing.T) {
	issued, err := domain.NewPaymentIntent("pi_1", "pi_1_secret_abc", money.New(4200, money.USD), "b1")
	require.NoError(t, err)

	ctrl, err := NewController(Config{
		Flow:     journal.FlowBooking,
		Session:  "s1",
		Intent:   issued,
		Widget:   card.NewWidget(&scriptedProcessor{results: []func() (*card.Confirmation, error){succeed("pi_1")}}),
		Settler:  &recordingSettler{},
		Notifier: notify.NewRecorder(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	ctrl.Widget().Attach("pm_card_visa")

	_, err = ctrl.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.IntentSucceeded, ctrl.View().IntentStatus)
	assert.Equal(t, domain.IntentCreated, issued.Status, "cached intents stay as issued")
}
