package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"appbuilder/pkg/agent/middleware/resilience/retry"
	"appbuilder/pkg/eventlog"
	"appbuilder/pkg/logx"
)

// ErrRunFailed wraps the last error of a run whose retries are exhausted.
var ErrRunFailed = errors.New("run failed")

const maxBackoff = 30 * time.Second

// RunFunc is the body of one run. It is re-invoked from the top on every attempt.
type RunFunc func(ctx context.Context, ex *Executor) error

// Runner re-invokes a run up to a bounded number of attempts, replaying memoized steps each time.
type Runner struct {
	journal   Journal
	logger    *logx.Logger
	opts      []Option
	o         options
	onAttempt func(ctx context.Context, runID string, attempt int)
	policy    *retry.Policy
}

// NewRunner creates a runner. maxAttempts counts the first attempt.
func NewRunner(journal Journal, maxAttempts int, backoff time.Duration, opts ...Option) *Runner {
	policy := retry.NewPolicy(retry.Config{
		MaxAttempts:   maxAttempts,
		InitialDelay:  backoff,
		MaxDelay:      maxBackoff,
		BackoffFactor: 2,
	}, IsRetryable)
	return &Runner{
		journal: journal,
		logger:  logx.NewLogger("durable"),
		opts:    opts,
		o:       buildOptions(opts),
		policy:  policy,
	}
}

// OnAttempt registers a callback invoked before each attempt.
func (r *Runner) OnAttempt(fn func(ctx context.Context, runID string, attempt int)) {
	r.onAttempt = fn
}

// Run executes fn until it succeeds, returns a Permanent error, or attempts are exhausted.
// It returns the number of attempts made.
func (r *Runner) Run(ctx context.Context, runID string, fn RunFunc) (int, error) {
	ctx = logx.WithRunID(ctx, runID)
	var lastErr error
	maxAttempts := r.policy.Config.MaxAttempts

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			r.o.recorder.IncRunRetry()
			r.o.events.Emit(eventlog.Event{RunID: runID, Kind: eventlog.KindRunRetry, Detail: fmt.Sprintf("attempt %d: %v", attempt, lastErr)})
			if err := sleep(ctx, r.policy.CalculateDelay(attempt)); err != nil {
				return attempt - 1, fmt.Errorf("run %s cancelled: %w", runID, err)
			}
		}
		if r.onAttempt != nil {
			r.onAttempt(ctx, runID, attempt)
		}

		ex, err := NewExecutor(ctx, runID, r.journal, r.opts...)
		if err != nil {
			lastErr = err
			r.logger.Warn("run %s attempt %d/%d could not start: %v", runID, attempt, maxAttempts, err)
			continue
		}

		err = fn(ctx, ex)
		if err == nil {
			executed, replayed := ex.Stats()
			r.logger.Info("✅ run %s finished on attempt %d (%d steps executed, %d replayed)", runID, attempt, executed, replayed)
			return attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return attempt, fmt.Errorf("run %s cancelled: %w", runID, ctx.Err())
		}
		if !r.policy.ShouldRetry(err) {
			r.logger.Error("run %s failed permanently on attempt %d: %v", runID, attempt, err)
			return attempt, fmt.Errorf("%w: %w", ErrRunFailed, err)
		}
		r.logger.Warn("run %s attempt %d/%d failed: %v", runID, attempt, maxAttempts, err)
	}

	return maxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrRunFailed, maxAttempts, lastErr)
}

// IsRetryable reports whether a failed attempt may be re-run. Only Permanent errors stop a run early.
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
