// Package runner is the host scheduler: it queues runs, executes them on a bounded worker
// pool with retries, records their status and resumes unfinished runs after a restart.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"appbuilder/pkg/durable"
	"appbuilder/pkg/eventlog"
	"appbuilder/pkg/logx"
	"appbuilder/pkg/metrics"
	"appbuilder/pkg/persistence"
	"appbuilder/pkg/proto"
)

// ErrShuttingDown is returned by Submit once Shutdown has begun.
var ErrShuttingDown = errors.New("runner is shutting down")

// DefaultQueueSize bounds the number of runs waiting for a worker.
const DefaultQueueSize = 256

// Pipeline executes one run on an executor.
type Pipeline interface {
	Run(ctx context.Context, ex *durable.Executor, req proto.RunRequest) (*proto.RunOutput, error)
}

// FailureRecorder persists the user-visible notice of a run that could not finish.
type FailureRecorder interface {
	PersistFailure(ctx context.Context, runID, projectID string) error
}

// Config tunes the service.
type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	Backoff     time.Duration
}

// Service schedules runs.
type Service struct {
	ops      *persistence.DatabaseOperations
	pipeline Pipeline
	failures FailureRecorder
	runner   *durable.Runner
	events   eventlog.Sink
	recorder metrics.Recorder
	logger   *logx.Logger

	queue    chan proto.RunRequest
	stopping chan struct{}
	group    *errgroup.Group
	cancel   context.CancelFunc
	workers  int

	stopOnce sync.Once
	mu       sync.RWMutex
	started  bool
	closed   bool
}

// NewService creates a service. The run table and the durable step journal both live in ops.
func NewService(ops *persistence.DatabaseOperations, pipeline Pipeline, failures FailureRecorder, cfg Config, events eventlog.Sink, recorder metrics.Recorder) *Service {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultQueueSize
	}
	if events == nil {
		events = eventlog.Nop{}
	}
	if recorder == nil {
		recorder = metrics.Nop()
	}

	s := &Service{
		ops:      ops,
		pipeline: pipeline,
		failures: failures,
		runner:   durable.NewRunner(ops, cfg.MaxAttempts, cfg.Backoff, durable.WithEvents(events), durable.WithRecorder(recorder)),
		events:   events,
		recorder: recorder,
		logger:   logx.NewLogger("runner"),
		queue:    make(chan proto.RunRequest, cfg.QueueSize),
		stopping: make(chan struct{}),
		workers:  cfg.Workers,
	}
	s.runner.OnAttempt(func(ctx context.Context, runID string, attempt int) {
		if err := s.ops.UpdateRunStatus(ctx, runID, string(proto.RunStatusRunning), attempt, ""); err != nil {
			s.logger.Warn("Failed to mark run %s running: %v", runID, err)
		}
	})
	return s
}

// Start launches the worker pool. Workers stop when ctx is cancelled or Shutdown completes.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("runner already started")
	}
	if s.closed {
		return ErrShuttingDown
	}
	s.started = true

	workCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, gctx := errgroup.WithContext(workCtx)
	s.group = g
	for i := 0; i < s.workers; i++ {
		id := i + 1
		g.Go(func() error {
			s.work(gctx, id)
			return nil
		})
	}

	s.logger.Info("🚀 Runner started with %d workers", s.workers)
	return nil
}

// Submit records req as queued and hands it to the worker pool. An empty RunID is generated.
func (s *Service) Submit(ctx context.Context, req proto.RunRequest) (*persistence.Run, error) {
	if req.ProjectID == "" || req.PromptValue == "" {
		return nil, fmt.Errorf("project id and prompt are required")
	}
	if req.RunID == "" {
		req.RunID = persistence.GenerateID()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrShuttingDown
	}

	run := &persistence.Run{
		ID:        req.RunID,
		ProjectID: req.ProjectID,
		Prompt:    req.PromptValue,
		Status:    string(proto.RunStatusQueued),
	}
	if err := s.ops.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, req); err != nil {
		return nil, err
	}
	s.logger.Info("Queued run %s for project %s", req.RunID, req.ProjectID)
	return run, nil
}

func (s *Service) enqueue(ctx context.Context, req proto.RunRequest) error {
	select {
	case s.queue <- req:
		return nil
	case <-s.stopping:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume re-enqueues every run left queued or running by a previous process.
// Replay skips the steps those runs already completed.
func (s *Service) Resume(ctx context.Context) (int, error) {
	runs, err := s.ops.ListRunsByStatus(ctx, string(proto.RunStatusQueued), string(proto.RunStatusRunning))
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrShuttingDown
	}
	for i, run := range runs {
		req := proto.RunRequest{RunID: run.ID, ProjectID: run.ProjectID, PromptValue: run.Prompt}
		if err := s.enqueue(ctx, req); err != nil {
			return i, err
		}
		s.logger.Info("Resuming run %s (%s, %d attempts so far)", run.ID, run.Status, run.Attempts)
	}
	return len(runs), nil
}

// Get returns the record of a run.
func (s *Service) Get(ctx context.Context, runID string) (*persistence.Run, error) {
	return s.ops.GetRun(ctx, runID)
}

// Shutdown stops accepting runs and waits for in-flight runs to finish. When ctx expires
// first, in-flight runs are cancelled; they stay marked running and resume on next start.
func (s *Service) Shutdown(ctx context.Context) error {
	// Unblocks submitters waiting on a full queue before taking the write lock.
	s.stopOnce.Do(func() { close(s.stopping) })

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	started := s.started
	s.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info("Runner stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return fmt.Errorf("runner shutdown interrupted in-flight runs: %w", ctx.Err())
	}
}

func (s *Service) work(ctx context.Context, id int) {
	for req := range s.queue {
		select {
		case <-s.stopping:
			// Left queued; the next process resumes it.
			continue
		default:
		}
		if ctx.Err() != nil {
			continue
		}
		s.execute(ctx, id, req)
	}
}

func (s *Service) execute(ctx context.Context, worker int, req proto.RunRequest) {
	start := time.Now()
	s.logger.Info("Worker %d starting run %s", worker, req.RunID)
	s.events.Emit(eventlog.Event{RunID: req.RunID, Kind: eventlog.KindRunStarted, Detail: req.ProjectID})

	var out *proto.RunOutput
	attempts, err := s.runner.Run(ctx, req.RunID, func(ctx context.Context, ex *durable.Executor) error {
		var err error
		out, err = s.pipeline.Run(ctx, ex, req)
		return err
	})

	// Status writes must land even while shutting down.
	bg := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if err := s.ops.UpdateRunStatus(bg, req.RunID, string(proto.RunStatusSucceeded), attempts, ""); err != nil {
			s.logger.Error("Failed to mark run %s succeeded: %v", req.RunID, err)
		}
		turns := 0
		if out != nil {
			turns = out.Turns
		}
		s.recorder.ObserveRun(string(proto.RunStatusSucceeded), time.Since(start), turns)
		s.events.Emit(eventlog.Event{RunID: req.RunID, Kind: eventlog.KindRunFinished, Detail: string(proto.RunStatusSucceeded)})

	case ctx.Err() != nil:
		s.logger.Warn("Run %s interrupted after %d attempts; it will resume on restart", req.RunID, attempts)

	default:
		s.logger.Error("❌ Run %s failed after %d attempts: %v", req.RunID, attempts, err)
		if perr := s.failures.PersistFailure(bg, req.RunID, req.ProjectID); perr != nil {
			s.logger.Error("Failed to persist failure notice for run %s: %v", req.RunID, perr)
		}
		if uerr := s.ops.UpdateRunStatus(bg, req.RunID, string(proto.RunStatusFailed), attempts, err.Error()); uerr != nil {
			s.logger.Error("Failed to mark run %s failed: %v", req.RunID, uerr)
		}
		s.recorder.ObserveRun(string(proto.RunStatusFailed), time.Since(start), 0)
		s.events.Emit(eventlog.Event{RunID: req.RunID, Kind: eventlog.KindRunFinished, Detail: string(proto.RunStatusFailed)})
	}
}
