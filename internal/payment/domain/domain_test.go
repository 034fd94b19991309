package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payflow/internal/common/money"
)

func TestIntentIDFromSecret(t *testing.T) {
	assert.Equal(t, "pi_3Mtw", IntentIDFromSecret("pi_3Mtw_secret_YrKJUK"))
	assert.Equal(t, "", IntentIDFromSecret("cs_1"))
}

func TestNewPaymentIntent(t *testing.T) {
	amount := money.New(4200, money.USD)

	pi, err := NewPaymentIntent("pi_1", "cs_1", amount, "b1")
	require.NoError(t, err)
	assert.Equal(t, IntentCreated, pi.Status)
	assert.False(t, pi.IsTerminal())

	_, err = NewPaymentIntent("pi_1", "cs_1", money.Zero(money.USD), "b1")
	assert.ErrorIs(t, err, ErrNonPositiveAmount)

	_, err = NewPaymentIntent("", "cs_1", amount, "b1")
	assert.Error(t, err)

	_, err = NewPaymentIntent("pi_1", "pi_2_secret_x", amount, "b1")
	assert.Error(t, err, "secret of another intent")
}

func TestBookingValidate(t *testing.T) {
	b := &Booking{ID: "b1", Price: money.New(4200, money.USD), PaymentStatus: PaymentUnpaid}
	require.NoError(t, b.Validate())
	assert.True(t, b.NeedsPayment())

	b.Price = money.New(-1, money.USD)
	assert.ErrorIs(t, b.Validate(), ErrNonPositiveAmount)

	b.Price = money.New(100, money.USD)
	b.PaymentStatus = "refunded"
	assert.Error(t, b.Validate())
}

func TestOutcomeConstructors(t *testing.T) {
	o := Redirect(BookingDetailPath("b1"), "")
	assert.True(t, o.IsRedirect())
	assert.Equal(t, "/user/my-bookings/b1", o.RedirectTo)

	r := Retry(ReasonProcessor, "declined")
	assert.True(t, r.IsRetry())
	assert.Equal(t, ReasonProcessor, r.Reason)
}
