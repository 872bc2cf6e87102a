package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ghostlend/protocol/internal/domain"
	"github.com/ghostlend/protocol/internal/retry"
)

var fast = retry.Policy{
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
	AttemptTimeout:  time.Second,
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fast, func(context.Context) error {
		calls++
		if calls < 3 {
			return domain.Transient("quote", errors.New("timeout"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fast, func(context.Context) error {
		calls++
		return domain.Transient("quote", errors.New("timeout"))
	})
	require.Error(t, err)
	require.True(t, domain.IsTransient(err))
	require.Equal(t, 3, calls)
}

func TestDo_TerminalErrorsAreNotRetried(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fast, func(context.Context) error {
		calls++
		return domain.ErrInsufficientBalance
	})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	require.Equal(t, 1, calls)
}

func TestDo_AttemptCarriesDeadline(t *testing.T) {
	err := retry.Do(context.Background(), fast, func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)
}
