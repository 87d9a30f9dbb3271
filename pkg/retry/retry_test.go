package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("connection reset")

func TestWithContext_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	var retried []int
	result, attempts, err := WithContext(context.Background(), Options{
		MaxTries: 5,
		OnRetry:  func(attempt int, err error) { retried = append(retried, attempt) },
	}, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errTransient
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestWithContext_Exhausted(t *testing.T) {
	calls := 0
	_, attempts, err := WithContext(context.Background(), Options{MaxTries: 5}, func(ctx context.Context) (int, error) {
		calls++
		return 0, errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 5, attempts)
	assert.Equal(t, 5, calls)
}

func TestWithContext_DefaultsToOneTry(t *testing.T) {
	_, attempts, err := WithContext(context.Background(), Options{}, func(ctx context.Context) (int, error) {
		return 0, errTransient
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithContext_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, _, err := WithContext(ctx, Options{MaxTries: 5, Delay: time.Millisecond}, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, errTransient
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestWithContext_AttemptTimeoutIsRetried(t *testing.T) {
	calls := 0
	_, attempts, err := WithContext(context.Background(), Options{MaxTries: 3}, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, context.DeadlineExceeded
		}
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}
