package card

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payflow/internal/payment/domain"
)

type stubProcessor struct {
	calls  int
	secret string
	pm     string
}

func (s *stubProcessor) ConfirmCardPayment(_ context.Context, clientSecret, paymentMethod string) (*Confirmation, error) {
	s.calls++
	s.secret = clientSecret
	s.pm = paymentMethod
	return &Confirmation{PaymentIntentID: domain.IntentIDFromSecret(clientSecret), Status: StatusSucceeded}, nil
}

func TestWidgetNotReadyWithoutCard(t *testing.T) {
	proc := &stubProcessor{}
	w := NewWidget(proc)
	assert.False(t, w.Ready())

	_, err := w.Confirm(context.Background(), "pi_1_secret_x")
	assert.ErrorIs(t, err, domain.ErrNotReady)
	assert.Zero(t, proc.calls)

	w.Attach("   ")
	assert.False(t, w.Ready())
}

func TestWidgetNotReadyWithoutProcessor(t *testing.T) {
	w := NewWidget(nil)
	w.Attach("pm_card_visa")
	assert.False(t, w.Ready())
}

func TestWidgetConfirm(t *testing.T) {
	proc := &stubProcessor{}
	w := NewWidget(proc)
	w.Attach("pm_card_visa")
	require.True(t, w.Ready())

	conf, err := w.Confirm(context.Background(), "pi_1_secret_x")
	require.NoError(t, err)
	assert.Equal(t, "pi_1", conf.PaymentIntentID)
	assert.Equal(t, "pi_1_secret_x", proc.secret)
	assert.Equal(t, "pm_card_visa", proc.pm)
}
