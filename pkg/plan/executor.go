package plan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

// Executor applies an approved operation to the cluster. Implementations
// return an error wrapping contracts.ErrExecutionTransient when the cluster
// is unreachable, which makes the attempt eligible for retry.
type Executor interface {
	Execute(ctx context.Context, op contracts.Operation) (output string, err error)
}

// DryRunner simulates an operation without mutating the cluster and returns
// a human-reviewable diff.
type DryRunner interface {
	Preview(ctx context.Context, op contracts.Operation) (contracts.DryRunPreview, error)
}

// Snapshotter captures the pre-change state of the resources an operation
// touches, for rollback.
type Snapshotter interface {
	Capture(ctx context.Context, op contracts.Operation) (map[string]any, error)
}

// Retry policy for transient execution failures: the initial attempt plus at
// most two retries, doubling the delay each time.
const (
	maxExecuteAttempts = 3
	retryBaseDelay     = 500 * time.Millisecond
)

// executeWithRetry runs the executor, retrying transient failures. Only
// errors wrapping ErrExecutionTransient are retried; anything else fails the
// attempt immediately, because re-running a half-applied mutation is worse
// than surfacing the failure.
func executeWithRetry(ctx context.Context, exec Executor, op contracts.Operation, sleep func(context.Context, time.Duration) error) (string, int, error) {
	var lastErr error
	delay := retryBaseDelay
	for attempt := 1; attempt <= maxExecuteAttempts; attempt++ {
		output, err := exec.Execute(ctx, op)
		if err == nil {
			return output, attempt, nil
		}
		lastErr = err
		if !errors.Is(err, contracts.ErrExecutionTransient) {
			return "", attempt, err
		}
		if attempt == maxExecuteAttempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return "", attempt, fmt.Errorf("execution interrupted during backoff: %w", err)
		}
		delay *= 2
	}
	return "", maxExecuteAttempts, fmt.Errorf("execution failed after %d attempts: %w", maxExecuteAttempts, lastErr)
}
