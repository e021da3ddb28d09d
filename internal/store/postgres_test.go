package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func pgErr(code string) error {
	// Wrapped the way database/sql surfaces driver errors.
	return fmt.Errorf("exec: %w", &pgconn.PgError{Code: code})
}

func noWait(int) time.Duration { return 0 }

func TestRetryTx_RetriesSerializationFailures(t *testing.T) {
	calls := 0
	err := retryTx(context.Background(), 3, noWait, func() error {
		calls++
		if calls < 3 {
			return pgErr(codeSerializationFailure)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryTx_GivesUpWithContention(t *testing.T) {
	for _, code := range []string{codeSerializationFailure, codeDeadlockDetected} {
		t.Run(code, func(t *testing.T) {
			var waits []int
			calls := 0
			err := retryTx(context.Background(), 3, func(n int) time.Duration {
				waits = append(waits, n)
				return 0
			}, func() error {
				calls++
				return pgErr(code)
			})
			require.ErrorIs(t, err, ErrContention)
			require.Equal(t, 4, calls)
			require.Equal(t, []int{1, 2, 3}, waits)
		})
	}
}

func TestRetryTx_ZeroRetriesRunsOnce(t *testing.T) {
	calls := 0
	err := retryTx(context.Background(), 0, noWait, func() error {
		calls++
		return pgErr(codeDeadlockDetected)
	})
	require.ErrorIs(t, err, ErrContention)
	require.Equal(t, 1, calls)
}

func TestRetryTx_MapsUniqueViolation(t *testing.T) {
	calls := 0
	err := retryTx(context.Background(), 3, noWait, func() error {
		calls++
		return pgErr(codeUniqueViolation)
	})
	require.ErrorIs(t, err, ErrDuplicate)
	require.Equal(t, 1, calls)
}

func TestRetryTx_OtherErrorsPassThrough(t *testing.T) {
	boom := errors.New("boom")
	err := retryTx(context.Background(), 3, noWait, func() error { return boom })
	require.ErrorIs(t, err, boom)

	err = retryTx(context.Background(), 3, noWait, func() error { return ErrNotFound })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRetryTx_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryTx(ctx, 3, func(int) time.Duration { return time.Hour }, func() error {
		calls++
		cancel()
		return pgErr(codeSerializationFailure)
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestTxBackoff(t *testing.T) {
	require.Equal(t, 10*time.Millisecond, txBackoff(1))
	require.Equal(t, 20*time.Millisecond, txBackoff(2))
	require.Equal(t, 40*time.Millisecond, txBackoff(3))
}
