package maestro

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/retry"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"fatal step error", &FatalStepError{Step: "a", Wrapped: errors.New("boom")}, false},
		{"routing error", &RoutingError{Step: "route", Target: "sideways"}, false},
		{"validation error", &ValidationError{Message: "bad"}, false},
		{"deadlock error", &DeadlockError{ExecutionID: "exec_1"}, false},
		{"retryable step error", &RetryableStepError{Step: "a", Wrapped: errors.New("flaky")}, true},
		{"rate limited sentinel", fmt.Errorf("call failed: %w", ErrRateLimited), true},
		{"provider sentinel", ErrProviderError, true},
		{"llm timeout sentinel", ErrLLMTimeout, true},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"marked recoverable", retry.NewRecoverableError(errors.New("transient")), true},
		{"marked non-recoverable", retry.NewNonRecoverableError(errors.New("permanent")), false},
		{"connection refused heuristic", errors.New("dial tcp: connection refused"), true},
		{"plain error", errors.New("schema mismatch"), false},
		{"fatal wrapping a retryable message", &FatalStepError{Step: "a", Wrapped: errors.New("rate limit hit")}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.retryable, IsRetryable(tc.err))
		})
	}
}

func TestStepErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	require.ErrorIs(t, &FatalStepError{Step: "a", Wrapped: cause}, cause)
	require.ErrorIs(t, &RetryableStepError{Step: "a", Wrapped: cause}, cause)
}
