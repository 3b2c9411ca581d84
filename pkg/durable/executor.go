// Package durable runs named operations with memoized, at-most-once effects across retries and replays.
//
// Every step output is written to a Journal before control returns to the caller.
// When a run is replayed, steps whose key already has a recorded output return the
// recorded value without calling fn again. Repeated uses of the same step ID within
// one run are told apart by occurrence: "terminal", "terminal:1", "terminal:2", ...
// so replay stays deterministic as long as the run issues steps in the same order.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"appbuilder/pkg/eventlog"
	"appbuilder/pkg/logx"
	"appbuilder/pkg/metrics"
)

// Journal persists step outputs for replay.
type Journal interface {
	LoadSteps(ctx context.Context, runID string) (map[string]json.RawMessage, error)
	RecordStep(ctx context.Context, runID, stepKey string, output json.RawMessage) error
}

// StepError reports a failed step. Failed steps are never memoized.
type StepError struct {
	Err    error
	StepID string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.StepID, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so the host runner does not retry the run.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Executor memoizes the steps of one run attempt.
type Executor struct {
	journal  Journal
	events   eventlog.Sink
	recorder metrics.Recorder
	logger   *logx.Logger
	recorded map[string]json.RawMessage
	seen     map[string]int
	runID    string
	executed int
	replayed int
	mu       sync.Mutex
}

// Option configures an Executor or Runner.
type Option func(*options)

type options struct {
	events   eventlog.Sink
	recorder metrics.Recorder
}

// WithEvents mirrors step resolutions to an event journal.
func WithEvents(sink eventlog.Sink) Option {
	return func(o *options) { o.events = sink }
}

// WithRecorder reports step resolutions to a metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

func buildOptions(opts []Option) options {
	o := options{events: eventlog.Nop{}, recorder: metrics.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewExecutor loads the recorded steps of runID and returns an executor positioned at the start of the run.
func NewExecutor(ctx context.Context, runID string, journal Journal, opts ...Option) (*Executor, error) {
	recorded, err := journal.LoadSteps(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load step log for run %s: %w", runID, err)
	}
	o := buildOptions(opts)
	return &Executor{
		journal:  journal,
		events:   o.events,
		recorder: o.recorder,
		logger:   logx.NewLogger("durable"),
		recorded: recorded,
		seen:     make(map[string]int),
		runID:    runID,
	}, nil
}

// RunID returns the run this executor belongs to.
func (e *Executor) RunID() string {
	return e.runID
}

// Stats returns how many steps were executed and replayed so far.
func (e *Executor) Stats() (executed, replayed int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executed, e.replayed
}

func (e *Executor) nextKey(stepID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.seen[stepID]
	e.seen[stepID] = n + 1
	if n == 0 {
		return stepID
	}
	return stepID + ":" + strconv.Itoa(n)
}

// Run executes fn under stepID at most once per run and returns its JSON-encoded result.
// A replayed step returns the recorded output without invoking fn.
func (e *Executor) Run(ctx context.Context, stepID string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	output, _, err := e.run(ctx, stepID, fn)
	return output, err
}

// run resolves one occurrence of stepID and reports the journal key it used.
func (e *Executor) run(ctx context.Context, stepID string, fn func(ctx context.Context) (any, error)) (json.RawMessage, string, error) {
	key := e.nextKey(stepID)

	e.mu.Lock()
	output, ok := e.recorded[key]
	if ok {
		e.replayed++
	}
	e.mu.Unlock()

	if ok {
		logx.Debug(ctx, "durable", "replayed step %s", key)
		e.recorder.ObserveStep(stepID, metrics.StepReplayed)
		e.events.Emit(eventlog.Event{RunID: e.runID, Kind: eventlog.KindStepReplayed, Step: key})
		return output, key, nil
	}

	result, err := fn(ctx)
	if err != nil {
		e.logger.Warn("step %s of run %s failed: %v", key, e.runID, err)
		e.recorder.ObserveStep(stepID, metrics.StepFailed)
		e.events.Emit(eventlog.Event{RunID: e.runID, Kind: eventlog.KindStepFailed, Step: key, Detail: err.Error()})
		return nil, key, &StepError{StepID: key, Err: err}
	}

	output, err = json.Marshal(result)
	if err != nil {
		return nil, key, Permanent(&StepError{StepID: key, Err: fmt.Errorf("failed to encode step output: %w", err)})
	}

	// The effect already happened, so record it even if the caller is shutting down.
	if err := e.journal.RecordStep(context.WithoutCancel(ctx), e.runID, key, output); err != nil {
		return nil, key, &StepError{StepID: key, Err: fmt.Errorf("failed to record step output: %w", err)}
	}

	e.mu.Lock()
	e.recorded[key] = output
	e.executed++
	e.mu.Unlock()

	logx.Debug(ctx, "durable", "executed step %s (%d bytes)", key, len(output))
	e.recorder.ObserveStep(stepID, metrics.StepExecuted)
	e.events.Emit(eventlog.Event{RunID: e.runID, Kind: eventlog.KindStepExecuted, Step: key})
	return output, key, nil
}

// Step is the typed form of Executor.Run. The value returned on first execution is
// decoded from the recorded output, so first runs and replays see identical values.
func Step[T any](ctx context.Context, e *Executor, stepID string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	raw, key, err := e.run(ctx, stepID, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, Permanent(&StepError{StepID: key, Err: fmt.Errorf("failed to decode step output: %w", err)})
	}
	return out, nil
}
