package wallet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/singleflight"

	"payflow/internal/common/events"
	"payflow/internal/common/money"
	"payflow/internal/notify"
	"payflow/internal/payment/card"
	"payflow/internal/payment/domain"
	"payflow/internal/payment/journal"
	"payflow/internal/services"
)

type fakeIntents struct {
	mu    sync.Mutex
	id    string
	calls int
	keys  []string
	errs  []error
}

func (f *fakeIntents) CreateForTopUp(_ context.Context, amount money.Money, key string) (*domain.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.keys = append(f.keys, key)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return domain.NewPaymentIntent(f.id, f.id+"_secret_x", amount, "")
}

type confirmCall struct {
	PaymentIntentID string
	Amount          money.Money
}

type fakeWallet struct {
	mu      sync.Mutex
	calls   []confirmCall
	errs    []error
	balance money.Money
	block   chan struct{}
	// delay makes a call take this long unless its ctx ends first.
	delay time.Duration
}

func (f *fakeWallet) ConfirmDeposit(ctx context.Context, id string, amount money.Money) (*services.DepositReceipt, error) {
	f.mu.Lock()
	f.calls = append(f.calls, confirmCall{id, amount})
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	delay := f.delay
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &services.DepositReceipt{DepositID: "dep_1", Amount: amount, Balance: f.balance}, nil
}

func (f *fakeWallet) Calls() []confirmCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]confirmCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeProcessor struct {
	results []func() (*card.Confirmation, error)
}

func (p *fakeProcessor) ConfirmCardPayment(context.Context, string, string) (*card.Confirmation, error) {
	next := p.results[0]
	if len(p.results) > 1 {
		p.results = p.results[1:]
	}
	return next()
}

func succeeded() (*card.Confirmation, error) {
	return &card.Confirmation{Status: card.StatusSucceeded}, nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) Publish(_ context.Context, e *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, e.Type)
	return nil
}

type successLog struct {
	mu       sync.Mutex
	deposits []journal.DepositConfirmation
}

func (s *successLog) record(_ context.Context, d journal.DepositConfirmation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deposits = append(s.deposits, d)
}

func (s *successLog) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deposits)
}

type fixture struct {
	intents   *fakeIntents
	wallet    *fakeWallet
	processor *fakeProcessor
	store     *journal.MemoryStore
	notices   *notify.Recorder
	events    *recordingPublisher
	successes *successLog
	deps      Deps
}

func setupTest(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		intents:   &fakeIntents{id: "pi_2"},
		wallet:    &fakeWallet{balance: money.New(6500, money.USD)},
		processor: &fakeProcessor{results: []func() (*card.Confirmation, error){succeeded}},
		store:     journal.NewMemoryStore(),
		notices:   notify.NewRecorder(),
		events:    &recordingPublisher{},
		successes: &successLog{},
	}
	f.deps = Deps{
		Intents:        f.intents,
		Wallet:         f.wallet,
		Deposits:       f.store,
		Processor:      f.processor,
		Notifier:       f.notices,
		Attempts:       f.store,
		Events:         f.events,
		Flights:        &singleflight.Group{},
		PublishableKey: "pk_test_123",
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return f
}

func (f *fixture) mount() *Orchestrator {
	return New(f.deps, "s1", f.successes.record)
}

func startTopUp(t *testing.T, o *Orchestrator) {
	t.Helper()
	v, err := o.Start(context.Background(), money.New(2000, money.USD))
	require.NoError(t, err)
	require.Equal(t, PhaseForm, v.Phase)
}

func TestTopUpConfirmsDepositAndReportsBalance(t *testing.T) {
	f := setupTest(t)
	o := f.mount()
	ctx := context.Background()

	v, err := o.Start(ctx, money.New(2000, money.USD))
	require.NoError(t, err)
	assert.Equal(t, "pi_2", v.PaymentIntentID)
	assert.Equal(t, "pk_test_123", v.PublishableKey)
	assert.Equal(t, "pi_2", o.IntentID())

	out, err := o.Submit(ctx, "pm_card_visa")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRedirect, out.Kind)
	assert.Equal(t, "/user/wallet", out.RedirectTo)
	assert.Equal(t, "Added $20.00. New balance: $65.00", out.Detail)

	assert.Equal(t, []confirmCall{{"pi_2", money.New(2000, money.USD)}}, f.wallet.Calls())
	assert.Equal(t, []notify.Notice{{Session: "s1", Level: notify.LevelSuccess, Message: out.Detail}}, f.notices.Notices())

	require.Equal(t, 1, f.successes.Len())
	got := f.successes.deposits[0]
	assert.Equal(t, journal.DepositConfirmed, got.Status)
	require.NotNil(t, got.Balance)
	assert.Equal(t, int64(6500), got.Balance.AmountMinor)

	rec, err := f.store.GetDeposit(ctx, "pi_2")
	require.NoError(t, err)
	assert.True(t, rec.IsConfirmed())
	assert.Equal(t, 1, rec.Attempts)

	v = o.View()
	assert.Equal(t, PhaseCompleted, v.Phase)
	assert.Equal(t, domain.FormSucceeded, v.Form.State)
	assert.Equal(t, []string{events.EventDepositConfirmed}, f.events.types)
	assert.NoError(t, o.Blocking(ctx))
}

func TestConfirmFailureIsNotRetriedAutomatically(t *testing.T) {
	f := setupTest(t)
	f.wallet.errs = []error{&services.ServiceError{Service: "wallet service", Status: 503, Message: "unavailable"}}
	o := f.mount()
	ctx := context.Background()
	startTopUp(t, o)

	out, err := o.Submit(ctx, "pm_card_visa")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRetry, out.Kind)
	assert.Equal(t, domain.ReasonReconciliation, out.Reason)
	assert.Equal(t, domain.MsgReconciliationFailed, out.Detail)

	assert.Len(t, f.wallet.Calls(), 1, "no automatic second confirm")
	assert.Equal(t, 1, f.notices.Count(notify.LevelError))
	assert.Zero(t, f.successes.Len())
	assert.Equal(t, []string{events.EventDepositReconciliationFailed}, f.events.types)

	v := o.View()
	assert.Equal(t, PhaseReconciliation, v.Phase)
	assert.Equal(t, domain.MsgReconciliationFailed, v.Error)
	assert.ErrorIs(t, o.Blocking(ctx), domain.ErrReconciliationPending)

	rec, err := f.store.GetDeposit(ctx, "pi_2")
	require.NoError(t, err)
	assert.Equal(t, journal.DepositFailed, rec.Status)
	assert.Contains(t, rec.LastError, "unavailable")

	_, err = o.Submit(ctx, "pm_card_visa")
	assert.ErrorIs(t, err, domain.ErrWrongPhase, "the card is not charged twice")
}

func TestManualRetryReusesPaymentIntent(t *testing.T) {
	f := setupTest(t)
	f.wallet.errs = []error{errors.New("connection reset by peer")}
	o := f.mount()
	ctx := context.Background()
	startTopUp(t, o)

	_, err := o.Submit(ctx, "pm_card_visa")
	require.NoError(t, err)

	out, err := o.RetryConfirm(ctx)
	require.NoError(t, err)
	assert.True(t, out.IsRedirect())

	calls := f.wallet.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0], calls[1])
	assert.Equal(t, 1, f.successes.Len())

	rec, err := f.store.GetDeposit(ctx, "pi_2")
	require.NoError(t, err)
	assert.True(t, rec.IsConfirmed())
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, PhaseCompleted, o.View().Phase)
}

func TestRepeatedConfirmIsIdempotent(t *testing.T) {
	f := setupTest(t)
	o := f.mount()
	ctx := context.Background()
	startTopUp(t, o)

	first, err := o.Submit(ctx, "pm_card_visa")
	require.NoError(t, err)

	again, err := o.RetryConfirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// A later mount settling the same intent replays the journalled outcome.
	other := f.mount()
	intent, err := domain.NewPaymentIntent("pi_2", "pi_2_secret_x", money.New(2000, money.USD), "")
	require.NoError(t, err)
	replayed := other.Settle(ctx, intent)
	assert.Equal(t, first, replayed)

	assert.Len(t, f.wallet.Calls(), 1)
	assert.Equal(t, 1, f.notices.Count(notify.LevelSuccess))
	assert.Equal(t, 1, f.successes.Len())
}

func TestConflictCountsAsConfirmed(t *testing.T) {
	f := setupTest(t)
	f.wallet.errs = []error{&services.ServiceError{Service: "wallet service", Status: 409, Code: "CONFLICT", Message: "deposit already confirmed"}}
	o := f.mount()
	startTopUp(t, o)

	out, err := o.Submit(context.Background(), "pm_card_visa")
	require.NoError(t, err)
	assert.True(t, out.IsRedirect())
	assert.Equal(t, "Added $20.00.", out.Detail)
	assert.Equal(t, 1, f.successes.Len())
	assert.Nil(t, f.successes.deposits[0].Balance)
}

func TestConcurrentConfirmsShareOneCall(t *testing.T) {
	f := setupTest(t)
	f.wallet.block = make(chan struct{})
	o := f.mount()
	startTopUp(t, o)
	intent, err := domain.NewPaymentIntent("pi_2", "pi_2_secret_x", money.New(2000, money.USD), "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	outs := make([]domain.Outcome, 3)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i] = o.Settle(context.Background(), intent)
		}(i)
	}
	require.Eventually(t, func() bool { return len(f.wallet.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	close(f.wallet.block)
	wg.Wait()

	assert.Len(t, f.wallet.Calls(), 1)
	for _, out := range outs {
		assert.Equal(t, outs[0], out)
	}
	assert.Equal(t, 1, f.successes.Len())
	assert.Equal(t, 1, f.notices.Count(notify.LevelSuccess))
}

func TestUnmountDuringConfirmStillCredits(t *testing.T) {
	f := setupTest(t)
	f.wallet.block = make(chan struct{})
	o := f.mount()
	startTopUp(t, o)

	done := make(chan domain.Outcome, 1)
	go func() {
		out, _ := o.Submit(context.Background(), "pm_card_visa")
		done <- out
	}()
	require.Eventually(t, func() bool { return len(f.wallet.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	o.Unmount()
	close(f.wallet.block)

	out := <-done
	assert.True(t, out.IsRedirect())
	assert.Equal(t, PhaseConfirming, o.View().Phase, "view is frozen after unmount")
	assert.Equal(t, 1, f.successes.Len())

	rec, err := f.store.GetDeposit(context.Background(), "pi_2")
	require.NoError(t, err)
	assert.True(t, rec.IsConfirmed())

	_, err = o.RetryConfirm(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnmounted)
}

func TestNonPositiveAmountIsFatal(t *testing.T) {
	f := setupTest(t)
	o := f.mount()

	v, err := o.Start(context.Background(), money.Zero(money.USD))
	require.NoError(t, err)
	assert.Equal(t, PhaseError, v.Phase)
	require.NotNil(t, v.Outcome)
	assert.Equal(t, domain.OutcomeFatal, v.Outcome.Kind)
	assert.Equal(t, domain.ReasonGuard, v.Outcome.Reason)
	assert.Zero(t, f.intents.calls)
	assert.Empty(t, f.notices.Notices())
}

func TestIntentFailureRetryReusesKey(t *testing.T) {
	f := setupTest(t)
	f.intents.errs = []error{errors.New("timeout")}
	o := f.mount()
	ctx := context.Background()

	v, err := o.Start(ctx, money.New(2000, money.USD))
	require.NoError(t, err)
	assert.Equal(t, PhaseError, v.Phase)
	require.NotNil(t, v.Outcome)
	assert.Equal(t, domain.ReasonIntent, v.Outcome.Reason)

	v, err = o.Start(ctx, money.New(2000, money.USD))
	require.NoError(t, err)
	assert.Equal(t, PhaseForm, v.Phase)
	require.Len(t, f.intents.keys, 2)
	assert.Equal(t, f.intents.keys[0], f.intents.keys[1])

	_, err = o.Start(ctx, money.New(2000, money.USD))
	assert.ErrorIs(t, err, domain.ErrWrongPhase)

	assert.NotEqual(t, f.intents.keys[0], f.mount().idempotencyKey(money.New(2000, money.USD)), "each mount is a new top-up")
}

func TestDeclineSkipsDepositConfirm(t *testing.T) {
	f := setupTest(t)
	f.processor.results = []func() (*card.Confirmation, error){
		func() (*card.Confirmation, error) {
			return nil, &card.DeclineError{Code: "card_declined", Message: "Your card was declined."}
		},
	}
	o := f.mount()
	startTopUp(t, o)

	out, err := o.Submit(context.Background(), "pm_card_chargeDeclined")
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonProcessor, out.Reason)
	assert.Empty(t, f.wallet.Calls())
	assert.Equal(t, PhaseForm, o.View().Phase)
	assert.Equal(t, "Your card was declined.", o.View().Form.Error)
}

func TestPendingTopUpIsJournalled(t *testing.T) {
	f := setupTest(t)
	f.processor.results = []func() (*card.Confirmation, error){
		func() (*card.Confirmation, error) {
			return &card.Confirmation{Status: card.StatusProcessing}, nil
		},
	}
	o := f.mount()
	startTopUp(t, o)

	out, err := o.Submit(context.Background(), "pm_card_visa")
	require.NoError(t, err)
	assert.True(t, out.IsRedirect())
	assert.Equal(t, domain.MsgPaymentProcessing, out.Detail)
	assert.Empty(t, f.wallet.Calls())
	assert.Equal(t, PhasePending, o.View().Phase)

	rec, err := f.store.GetDeposit(context.Background(), "pi_2")
	require.NoError(t, err)
	assert.Equal(t, journal.DepositPending, rec.Status)
	assert.Zero(t, rec.Attempts)
}

func TestReconcilerConfirmsPendingTopUp(t *testing.T) {
	f := setupTest(t)
	f.processor.results = []func() (*card.Confirmation, error){
		func() (*card.Confirmation, error) {
			return &card.Confirmation{Status: card.StatusProcessing}, nil
		},
	}
	o := f.mount()
	startTopUp(t, o)
	_, err := o.Submit(context.Background(), "pm_card_visa")
	require.NoError(t, err)

	r := NewReconciler(f.deps)
	out, ok := r.Reconcile(context.Background(), "pi_2", money.New(2000, money.USD))
	require.True(t, ok)
	assert.True(t, out.IsRedirect())
	assert.Len(t, f.wallet.Calls(), 1)

	notices := f.notices.Notices()
	require.NotEmpty(t, notices)
	last := notices[len(notices)-1]
	assert.Equal(t, notify.Notice{Session: "s1", Level: notify.LevelSuccess, Message: "Added $20.00. New balance: $65.00"}, last)

	// Redelivered webhooks replay without another call.
	again, ok := r.Reconcile(context.Background(), "pi_2", money.New(2000, money.USD))
	require.True(t, ok)
	assert.Equal(t, out, again)
	assert.Len(t, f.wallet.Calls(), 1)
}

func TestReconcilerLeavesFailedConfirmToCustomer(t *testing.T) {
	f := setupTest(t)
	f.wallet.errs = []error{errors.New("wallet unavailable")}
	o := f.mount()
	startTopUp(t, o)
	_, err := o.Submit(context.Background(), "pm_card_visa")
	require.NoError(t, err)

	out, ok := NewReconciler(f.deps).Reconcile(context.Background(), "pi_2", money.New(2000, money.USD))
	require.True(t, ok)
	assert.Equal(t, domain.ReasonReconciliation, out.Reason)
	assert.Len(t, f.wallet.Calls(), 1, "webhooks never retry a failed confirm")

	_, ok = NewReconciler(f.deps).Reconcile(context.Background(), "pi_unknown", money.New(2000, money.USD))
	assert.False(t, ok)
}

func processing() (*card.Confirmation, error) {
	return &card.Confirmation{Status: card.StatusProcessing}, nil
}

func TestPendingTopUpFailedByWebhookCanBeRetried(t *testing.T) {
	f := setupTest(t)
	f.processor.results = []func() (*card.Confirmation, error){processing}
	f.wallet.errs = []error{&services.ServiceError{Service: "wallet service", Status: 503, Message: "unavailable"}}
	o := f.mount()
	ctx := context.Background()
	startTopUp(t, o)

	_, err := o.Submit(ctx, "pm_card_visa")
	require.NoError(t, err)
	require.Equal(t, PhasePending, o.View().Phase)

	out, ok := NewReconciler(f.deps).Reconcile(ctx, "pi_2", money.New(2000, money.USD))
	require.True(t, ok)
	assert.Equal(t, domain.ReasonReconciliation, out.Reason)

	assert.ErrorIs(t, o.Blocking(ctx), domain.ErrReconciliationPending, "no new top-up while the deposit is unconfirmed")
	v := o.Refresh(ctx)
	assert.Equal(t, PhaseReconciliation, v.Phase)
	assert.Equal(t, domain.MsgReconciliationFailed, v.Error)

	out, err = o.RetryConfirm(ctx)
	require.NoError(t, err)
	assert.True(t, out.IsRedirect())
	assert.Equal(t, "Added $20.00. New balance: $65.00", out.Detail)

	calls := f.wallet.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "pi_2", calls[1].PaymentIntentID)
	assert.Equal(t, calls[0], calls[1])
	assert.Equal(t, 1, f.successes.Len())
	assert.Equal(t, PhaseCompleted, o.View().Phase)
	assert.NoError(t, o.Blocking(ctx))

	rec, err := f.store.GetDeposit(ctx, "pi_2")
	require.NoError(t, err)
	assert.True(t, rec.IsConfirmed())
	assert.Equal(t, 2, rec.Attempts)
}

func TestPendingTopUpConfirmedByWebhookCompletesView(t *testing.T) {
	f := setupTest(t)
	f.processor.results = []func() (*card.Confirmation, error){processing}
	o := f.mount()
	ctx := context.Background()
	startTopUp(t, o)
	_, err := o.Submit(ctx, "pm_card_visa")
	require.NoError(t, err)

	_, ok := NewReconciler(f.deps).Reconcile(ctx, "pi_2", money.New(2000, money.USD))
	require.True(t, ok)

	v := o.Refresh(ctx)
	assert.Equal(t, PhaseCompleted, v.Phase)
	require.NotNil(t, v.Deposit)
	assert.True(t, v.Deposit.IsConfirmed())

	out, err := o.RetryConfirm(ctx)
	require.NoError(t, err)
	assert.True(t, out.IsRedirect())
	assert.Len(t, f.wallet.Calls(), 1)
}

func TestRetryConfirmSurvivesCallerCancel(t *testing.T) {
	f := setupTest(t)
	f.wallet.errs = []error{errors.New("connection reset by peer")}
	o := f.mount()
	startTopUp(t, o)
	_, err := o.Submit(context.Background(), "pm_card_visa")
	require.NoError(t, err)
	require.Equal(t, PhaseReconciliation, o.View().Phase)

	f.wallet.mu.Lock()
	f.wallet.delay = 100 * time.Millisecond
	f.wallet.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	out, err := o.RetryConfirm(ctx)
	require.NoError(t, err)
	assert.True(t, out.IsRedirect(), "the wallet call outlives the request")

	rec, err := f.store.GetDeposit(context.Background(), "pi_2")
	require.NoError(t, err)
	assert.True(t, rec.IsConfirmed())
	assert.Empty(t, rec.LastError)
	assert.Equal(t, 1, f.notices.Count(notify.LevelError), "only the first failure is reported")
}

func TestReconcilerAuthenticatesWithServiceToken(t *testing.T) {
	var auth []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = append(auth, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"UNAUTHORIZED","message":"missing token"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"deposit":{"id":"dep_1","amount":20.00,"status":"confirmed"},"balance":65.00}}`))
	}))
	t.Cleanup(ts.Close)

	f := setupTest(t)
	f.deps.Wallet = services.NewWalletClient(services.Config{
		WalletURL:   ts.URL,
		Timeout:     time.Second,
		Currency:    "USD",
		WalletToken: "svc-token",
	})
	f.processor.results = []func() (*card.Confirmation, error){processing}
	o := f.mount()
	ctx := context.Background()
	startTopUp(t, o)
	_, err := o.Submit(ctx, "pm_card_visa")
	require.NoError(t, err)

	out, ok := NewReconciler(f.deps).Reconcile(ctx, "pi_2", money.New(2000, money.USD))
	require.True(t, ok)
	assert.True(t, out.IsRedirect())
	assert.Equal(t, []string{"Bearer svc-token"}, auth)
	assert.Zero(t, f.notices.Count(notify.LevelError))

	rec, err := f.store.GetDeposit(ctx, "pi_2")
	require.NoError(t, err)
	assert.True(t, rec.IsConfirmed())
}
