package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDrip_Retry_DefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.BaseBackoff)
	require.Equal(t, 5*time.Second, cfg.MaxBackoff)
}

func TestDrip_Retry_Do_SuccessOnFirstAttempt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	attempts := 0
	err := Do(ctx, DefaultConfig(), func() error {
		attempts++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, attempts)
}

func TestDrip_Retry_Do_SuccessAfterRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := Config{
		MaxAttempts: 3,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
	}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestDrip_Retry_Do_ExhaustsAllAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := Config{
		MaxAttempts: 3,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
	}

	attempts := 0
	originalErr := errors.New("connection reset")
	err := Do(ctx, cfg, func() error {
		attempts++
		return originalErr
	})
	require.Error(t, err)
	require.Equal(t, 3, attempts)
	require.ErrorIs(t, err, originalErr)
}

func TestDrip_Retry_Do_NonRetryableError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	attempts := 0
	permanent := errors.New("asset not recognized")
	err := Do(ctx, DefaultConfig(), func() error {
		attempts++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, attempts)
}

func TestDrip_Retry_Do_ContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := Config{
		MaxAttempts: 3,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
	}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.New("timeout")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, attempts)
}

func TestDrip_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(context.Canceled))
	require.False(t, IsRetryable(context.DeadlineExceeded))
	require.False(t, IsRetryable(errors.New("invalid amount")))
	require.True(t, IsRetryable(errors.New("connection refused")))
	require.True(t, IsRetryable(errors.New("rate limit exceeded")))
	require.True(t, IsRetryable(errors.New("i/o timeout")))
}
