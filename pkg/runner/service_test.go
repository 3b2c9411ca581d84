package runner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appbuilder/pkg/conversation"
	"appbuilder/pkg/durable"
	"appbuilder/pkg/persistence"
	"appbuilder/pkg/proto"
)

type pipelineFunc func(ctx context.Context, ex *durable.Executor, req proto.RunRequest) (*proto.RunOutput, error)

func (f pipelineFunc) Run(ctx context.Context, ex *durable.Executor, req proto.RunRequest) (*proto.RunOutput, error) {
	return f(ctx, ex, req)
}

type fixture struct {
	ops   *persistence.DatabaseOperations
	store *conversation.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &fixture{ops: db.Ops(), store: conversation.NewStore(db.Ops())}
}

func (f *fixture) service(t *testing.T, p Pipeline, maxAttempts int) *Service {
	t.Helper()
	svc := NewService(f.ops, p, f.store, Config{Workers: 2, MaxAttempts: maxAttempts, Backoff: time.Millisecond}, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func (f *fixture) waitForStatus(t *testing.T, runID string, status proto.RunStatus) *persistence.Run {
	t.Helper()
	var run *persistence.Run
	require.Eventually(t, func() bool {
		r, err := f.ops.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		run = r
		return r.Status == string(status)
	}, 5*time.Second, 5*time.Millisecond)
	return run
}

func TestSubmitRunsToSuccess(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, pipelineFunc(func(ctx context.Context, ex *durable.Executor, req proto.RunRequest) (*proto.RunOutput, error) {
		_, err := durable.Step(ctx, ex, "save-result", func(context.Context) (string, error) { return req.PromptValue, nil })
		return &proto.RunOutput{Turns: 1}, err
	}), 3)
	require.NoError(t, svc.Start(context.Background()))

	run, err := svc.Submit(context.Background(), proto.RunRequest{ProjectID: "proj", PromptValue: "build"})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, string(proto.RunStatusQueued), run.Status)

	done := f.waitForStatus(t, run.ID, proto.RunStatusSucceeded)
	assert.Equal(t, 1, done.Attempts)

	steps, err := f.ops.LoadSteps(context.Background(), run.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `"build"`, string(steps["save-result"]))
}

func TestSubmitValidatesRequest(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, pipelineFunc(func(context.Context, *durable.Executor, proto.RunRequest) (*proto.RunOutput, error) {
		return &proto.RunOutput{}, nil
	}), 1)

	_, err := svc.Submit(context.Background(), proto.RunRequest{ProjectID: "proj"})
	assert.Error(t, err)
}

func TestExhaustedRetriesPersistFailureOnce(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	svc := f.service(t, pipelineFunc(func(context.Context, *durable.Executor, proto.RunRequest) (*proto.RunOutput, error) {
		calls.Add(1)
		return nil, errors.New("sandbox unreachable")
	}), 3)
	require.NoError(t, svc.Start(context.Background()))

	run, err := svc.Submit(context.Background(), proto.RunRequest{RunID: "run-fail", ProjectID: "proj", PromptValue: "build"})
	require.NoError(t, err)

	failed := f.waitForStatus(t, run.ID, proto.RunStatusFailed)
	assert.Equal(t, 3, failed.Attempts)
	assert.Contains(t, failed.LastError, "sandbox unreachable")
	assert.EqualValues(t, 3, calls.Load())

	msgs, err := f.store.ListMessagesWithFragments(context.Background(), "proj")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, proto.FailureMessage, msgs[0].Content)
	assert.Equal(t, persistence.OutcomeMessageID("run-fail"), msgs[0].ID)
}

func TestPermanentErrorStopsRetries(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	svc := f.service(t, pipelineFunc(func(context.Context, *durable.Executor, proto.RunRequest) (*proto.RunOutput, error) {
		calls.Add(1)
		return nil, durable.Permanent(errors.New("missing API key"))
	}), 4)
	require.NoError(t, svc.Start(context.Background()))

	run, err := svc.Submit(context.Background(), proto.RunRequest{ProjectID: "proj", PromptValue: "build"})
	require.NoError(t, err)

	failed := f.waitForStatus(t, run.ID, proto.RunStatusFailed)
	assert.Equal(t, 1, failed.Attempts)
	assert.EqualValues(t, 1, calls.Load())
}

func TestResumeRequeuesUnfinishedRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ops.CreateRun(ctx, &persistence.Run{ID: "queued-run", ProjectID: "p", Prompt: "a", Status: string(proto.RunStatusQueued)}))
	require.NoError(t, f.ops.CreateRun(ctx, &persistence.Run{ID: "running-run", ProjectID: "p", Prompt: "b", Status: string(proto.RunStatusRunning), Attempts: 1}))
	require.NoError(t, f.ops.CreateRun(ctx, &persistence.Run{ID: "done-run", ProjectID: "p", Prompt: "c", Status: string(proto.RunStatusSucceeded)}))
	// The interrupted run already created its sandbox.
	require.NoError(t, f.ops.RecordStep(ctx, "running-run", "create-sandbox", []byte(`"sbx-1"`)))

	var mu sync.Mutex
	seen := map[string]string{}
	svc := f.service(t, pipelineFunc(func(ctx context.Context, ex *durable.Executor, req proto.RunRequest) (*proto.RunOutput, error) {
		handle, err := durable.Step(ctx, ex, "create-sandbox", func(context.Context) (string, error) { return "sbx-new", nil })
		mu.Lock()
		seen[req.RunID] = handle
		mu.Unlock()
		return &proto.RunOutput{}, err
	}), 2)
	require.NoError(t, svc.Start(ctx))

	n, err := svc.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f.waitForStatus(t, "queued-run", proto.RunStatusSucceeded)
	f.waitForStatus(t, "running-run", proto.RunStatusSucceeded)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]string{"queued-run": "sbx-new", "running-run": "sbx-1"}, seen)
}

func TestShutdownRejectsNewRuns(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, pipelineFunc(func(context.Context, *durable.Executor, proto.RunRequest) (*proto.RunOutput, error) {
		return &proto.RunOutput{}, nil
	}), 1)
	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Shutdown(context.Background()))

	_, err := svc.Submit(context.Background(), proto.RunRequest{ProjectID: "p", PromptValue: "x"})
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.NoError(t, svc.Shutdown(context.Background()))
}

func TestShutdownTimeoutLeavesRunResumable(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	svc := f.service(t, pipelineFunc(func(ctx context.Context, _ *durable.Executor, _ proto.RunRequest) (*proto.RunOutput, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}), 3)
	require.NoError(t, svc.Start(context.Background()))

	run, err := svc.Submit(context.Background(), proto.RunRequest{ProjectID: "p", PromptValue: "slow"})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = svc.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := f.ops.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, string(proto.RunStatusRunning), got.Status)

	msgs, err := f.store.ListMessagesWithFragments(context.Background(), "p")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
