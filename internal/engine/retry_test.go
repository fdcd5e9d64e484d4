package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/nodeflow/pkg/schema"
)

func TestIsRetryableError_Nil(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
}

func TestIsRetryableError_Context(t *testing.T) {
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(fmt.Errorf("call: %w", context.DeadlineExceeded)))
}

func TestIsRetryableError_NodeflowError(t *testing.T) {
	for _, code := range []string{schema.ErrCodeExecution, schema.ErrCodeExternal, schema.ErrCodeTimeout, schema.ErrCodeStore} {
		assert.True(t, IsRetryableError(schema.NewError(code, "x")), code)
	}
	for _, code := range []string{schema.ErrCodeConfig, schema.ErrCodeCycleDetected, schema.ErrCodeUnknownNodeType, schema.ErrCodeVariableConflict} {
		assert.False(t, IsRetryableError(schema.NewError(code, "x")), code)
	}
}

func TestIsRetryableError_WrappedNodeflowError(t *testing.T) {
	inner := schema.NewError(schema.ErrCodeConfig, "missing endpoint")
	assert.False(t, IsRetryableError(fmt.Errorf("node failed: %w", inner)))
}

func TestIsRetryableError_PlainErrors(t *testing.T) {
	assert.True(t, IsRetryableError(errors.New("dial tcp: connection refused")))
	assert.True(t, IsRetryableError(errors.New("something odd")))
}

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"zero delay", RetryPolicy{}, 3, 0},
		{"none", RetryPolicy{Delay: time.Second, Backoff: BackoffNone}, 4, time.Second},
		{"constant", RetryPolicy{Delay: time.Second, Backoff: BackoffConstant}, 2, time.Second},
		{"linear", RetryPolicy{Delay: time.Second, Backoff: BackoffLinear}, 2, 3 * time.Second},
		{"exponential", RetryPolicy{Delay: time.Second, Backoff: BackoffExponential}, 3, 8 * time.Second},
		{"exponential capped", RetryPolicy{Delay: time.Second, Backoff: BackoffExponential, MaxDelay: 5 * time.Second}, 10, 5 * time.Second},
		{"linear capped", RetryPolicy{Delay: time.Second, Backoff: BackoffLinear, MaxDelay: 2 * time.Second}, 5, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeBackoff(tt.policy, tt.attempt))
		})
	}
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.NoError(t, WaitForBackoff(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Hour), context.Canceled)
}
