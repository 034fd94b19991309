package journal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payflow/internal/common/database"
	"payflow/internal/common/money"
)

func TestDepositConfirmationTransitions(t *testing.T) {
	d, err := NewDepositConfirmation("pi_2", "s1", money.New(2000, money.USD))
	require.NoError(t, err)
	assert.Equal(t, DepositPending, d.Status)

	require.NoError(t, d.BeginAttempt())
	require.NoError(t, d.MarkFailed("wallet service unavailable"))
	assert.Equal(t, DepositFailed, d.Status)
	assert.Equal(t, 1, d.Attempts)

	require.NoError(t, d.BeginAttempt())
	balance := money.New(12000, money.USD)
	require.NoError(t, d.MarkConfirmed(&balance))
	assert.True(t, d.IsConfirmed())
	assert.Empty(t, d.LastError)
	assert.NotNil(t, d.ConfirmedAt)
	assert.Equal(t, 2, d.Attempts)

	assert.ErrorIs(t, d.BeginAttempt(), ErrAlreadyConfirmed)
	assert.ErrorIs(t, d.MarkFailed("late"), ErrAlreadyConfirmed)
	assert.Error(t, d.MarkConfirmed(nil))
}

func TestNewDepositConfirmationValidation(t *testing.T) {
	_, err := NewDepositConfirmation("", "s1", money.New(100, money.USD))
	assert.Error(t, err)

	_, err = NewDepositConfirmation("pi_1", "s1", money.Zero(money.USD))
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetDeposit(ctx, "pi_x")
	assert.True(t, database.IsNotFound(err))

	d, _ := NewDepositConfirmation("pi_1", "s1", money.New(500, money.USD))
	require.NoError(t, d.BeginAttempt())
	require.NoError(t, d.MarkConfirmed(nil))
	require.NoError(t, s.SaveDeposit(ctx, d))

	stale, _ := NewDepositConfirmation("pi_1", "s1", money.New(500, money.USD))
	require.NoError(t, s.SaveDeposit(ctx, stale))

	got, err := s.GetDeposit(ctx, "pi_1")
	require.NoError(t, err)
	assert.True(t, got.IsConfirmed(), "confirmed records are never overwritten")

	require.NoError(t, s.RecordAttempt(ctx, NewAttempt("pi_1", "s1", FlowBooking, AttemptDeclined)))
	require.NoError(t, s.RecordAttempt(ctx, NewAttempt("pi_1", "s1", FlowBooking, AttemptSucceeded)))
	attempts, err := s.ListAttempts(ctx, "pi_1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 2, attempts[1].Number)
	assert.Equal(t, AttemptSucceeded, attempts[1].Outcome)
}
