package retry

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/config"
	"github.com/BaSui01/enzymeflow/types"
)

func fastPolicy(maxRetries int) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   maxRetries,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

func TestBackoffRetryer_Success(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount, "应该只调用一次")
}

func TestBackoffRetryer_RetryAndSuccess(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		if callCount < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, callCount, "应该调用三次")
}

func TestBackoffRetryer_MaxRetriesExceeded(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(2), zap.NewNop())

	testErr := errors.New("persistent error")
	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return testErr
	})

	require.Error(t, err)
	assert.Equal(t, 3, callCount, "应该调用 MaxRetries+1 次")
	assert.Contains(t, err.Error(), "重试 2 次后仍失败")
	assert.ErrorIs(t, err, testErr)
}

func TestBackoffRetryer_ContextCanceled(t *testing.T) {
	policy := fastPolicy(5)
	policy.InitialDelay = 200 * time.Millisecond
	policy.MaxDelay = time.Second
	retryer := NewBackoffRetryer(policy, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	callCount := 0
	err := retryer.Do(ctx, func() error {
		callCount++
		cancel()
		return errors.New("fail")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "重试被取消")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, callCount)
}

func TestBackoffRetryer_RetryableErrors(t *testing.T) {
	retryableErr := errors.New("retryable")
	policy := fastPolicy(3)
	policy.RetryableErrors = []error{retryableErr}
	retryer := NewBackoffRetryer(policy, zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return errors.New("fatal")
	})

	require.Error(t, err)
	assert.Equal(t, 1, callCount, "不可重试错误不应重试")

	callCount = 0
	err = retryer.Do(context.Background(), func() error {
		callCount++
		if callCount < 2 {
			return fmt.Errorf("wrapped: %w", retryableErr)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, callCount)
}

func TestBackoffRetryer_ShouldRetryOverridesList(t *testing.T) {
	policy := fastPolicy(3)
	policy.ShouldRetry = types.IsRetryable
	retryer := NewBackoffRetryer(policy, zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return types.NewError(types.ErrInvalidInput, "bad input")
	})
	require.Error(t, err)
	assert.Equal(t, 1, callCount)

	callCount = 0
	err = retryer.Do(context.Background(), func() error {
		callCount++
		if callCount == 1 {
			return types.NewError(types.ErrUpstreamError, "502").WithRetryable(true)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, callCount)
}

func TestBackoffRetryer_DelayCalculation(t *testing.T) {
	policy := &RetryPolicy{
		MaxRetries:   5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
	}
	r := NewBackoffRetryer(policy, zap.NewNop()).(*backoffRetryer)

	assert.Equal(t, 100*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 200*time.Millisecond, r.calculateDelay(2))
	assert.Equal(t, 400*time.Millisecond, r.calculateDelay(3))
	assert.Equal(t, 800*time.Millisecond, r.calculateDelay(4))
	assert.Equal(t, 1*time.Second, r.calculateDelay(5), "不应超过 MaxDelay")
}

func TestBackoffRetryer_OnRetryCallback(t *testing.T) {
	var attempts []int
	policy := fastPolicy(2)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}
	retryer := NewBackoffRetryer(policy, zap.NewNop())

	_ = retryer.Do(context.Background(), func() error {
		return errors.New("fail")
	})

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoWithResultTyped(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(2), zap.NewNop())

	calls := 0
	got, err := DoWithResultTyped(retryer, context.Background(), func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("once")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	n, err := DoWithResultTyped(NewBackoffRetryer(fastPolicy(0), nil), context.Background(), func() (int, error) {
		return 7, errors.New("boom")
	})
	require.Error(t, err)
	assert.Zero(t, n)
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.RetryConfig{
		MaxRetries:   4,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   3,
		Jitter:       true,
	})
	assert.Equal(t, 4, p.MaxRetries)
	assert.Equal(t, 10*time.Millisecond, p.InitialDelay)
	assert.Equal(t, 3.0, p.Multiplier)
	assert.True(t, p.Jitter)
}

func TestIsTransientIO(t *testing.T) {
	assert.False(t, IsTransientIO(nil))
	assert.True(t, IsTransientIO(fmt.Errorf("write: %w", syscall.EAGAIN)))
	assert.True(t, IsTransientIO(types.NewError(types.ErrStorageIO, "x").WithRetryable(true)))
	assert.False(t, IsTransientIO(errors.New("permission denied")))

	p := StoragePolicy(fastPolicy(2))
	retryer := NewBackoffRetryer(p, zap.NewNop())
	calls := 0
	err := retryer.Do(context.Background(), func() error {
		calls++
		return syscall.EACCES
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
