// Package kernel wires the shared infrastructure of the service: storage, event journal,
// metrics, sandboxes, the model client factory, the pipeline scheduler and the HTTP API.
// Both the long-running server and one-shot runs start from a Kernel.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"appbuilder/pkg/agent"
	"appbuilder/pkg/config"
	"appbuilder/pkg/conversation"
	"appbuilder/pkg/eventlog"
	"appbuilder/pkg/logx"
	"appbuilder/pkg/metrics"
	"appbuilder/pkg/persistence"
	"appbuilder/pkg/pipeline"
	"appbuilder/pkg/runner"
	"appbuilder/pkg/sandbox"
	"appbuilder/pkg/templates"
	"appbuilder/pkg/tools"
	"appbuilder/pkg/webui"
)

// Kernel owns the lifecycle of every shared component.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // Required for kernel lifecycle management
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	// Concrete types, no over-abstraction.
	Database     *persistence.DB
	Journal      *eventlog.Writer
	Registry     *prometheus.Registry
	Conversation *conversation.Store
	Sandboxes    *sandbox.Manager
	LLMFactory   *agent.LLMClientFactory
	Runner       *runner.Service
	WebServer    *webui.Server

	webErr  chan error
	running bool
}

// NewKernel creates a kernel. Nothing runs until Start.
func NewKernel(parent context.Context, cfg *config.Config) (*Kernel, error) {
	// Workers outlive a cancelled parent so Stop can drain them.
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))

	k := &Kernel{
		ctx:    ctx,
		cancel: cancel,
		Config: cfg,
		Logger: logx.NewLogger("kernel"),
	}

	if err := k.initializeServices(); err != nil {
		k.release()
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	return k, nil
}

// NewSandboxProvider selects the execution backend named in cfg.
func NewSandboxProvider(cfg *config.Config) (sandbox.Provider, error) {
	switch cfg.Sandbox.Provider {
	case config.SandboxDocker:
		return sandbox.NewDockerProvider(sandbox.DockerConfig{
			Command: cfg.Sandbox.DockerCommand,
			WorkDir: cfg.Sandbox.WorkDir,
			CPUs:    cfg.Sandbox.CPUs,
			Memory:  cfg.Sandbox.Memory,
			AppPort: cfg.Sandbox.AppPort,
		}), nil
	case config.SandboxLocal:
		if err := os.MkdirAll(cfg.Sandbox.LocalRoot, 0755); err != nil {
			return nil, fmt.Errorf("failed to create sandbox root: %w", err)
		}
		return sandbox.NewLocalProvider(cfg.Sandbox.LocalRoot, cfg.Sandbox.WorkDir), nil
	default:
		return nil, fmt.Errorf("unknown sandbox provider %q", cfg.Sandbox.Provider)
	}
}

// initializeServices sets up all the core infrastructure services.
func (k *Kernel) initializeServices() error {
	cfg := k.Config
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	var err error
	k.Database, err = persistence.Open(cfg.Store.DBPath)
	if err != nil {
		return err
	}
	k.Logger.Info("Database initialized: %s", cfg.Store.DBPath)

	k.Journal, err = eventlog.NewWriter(cfg.Journal.Dir)
	if err != nil {
		return err
	}

	k.Registry = prometheus.NewRegistry()
	k.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewPrometheusRecorder(k.Registry)

	provider, err := NewSandboxProvider(cfg)
	if err != nil {
		return err
	}
	k.Sandboxes = sandbox.NewManager(provider)

	prompts, err := templates.NewRendererWithOverrides(cfg.Prompts.File)
	if err != nil {
		return err
	}
	policy, err := tools.LoadCommandPolicy(k.ctx, cfg.Policy.File)
	if err != nil {
		return err
	}

	k.LLMFactory = agent.NewLLMClientFactory(cfg, recorder)
	k.Conversation = conversation.NewStore(k.Database.Ops())

	codeAgent, err := pipeline.NewCodeAgent(pipeline.Deps{
		Config:    cfg,
		Sandboxes: k.Sandboxes,
		Store:     k.Conversation,
		Clients:   k.LLMFactory,
		Prompts:   prompts,
		Policy:    policy,
		Events:    k.Journal,
		Recorder:  recorder,
	})
	if err != nil {
		return err
	}

	k.Runner = runner.NewService(k.Database.Ops(), codeAgent, k.Conversation, runner.Config{
		Workers:     cfg.Server.Workers,
		MaxAttempts: cfg.Steps.MaxAttempts,
		Backoff:     cfg.Steps.Backoff.Std(),
	}, k.Journal, recorder)

	k.WebServer = webui.NewServer(k.Conversation, k.Runner, k.Registry, cfg.Journal.Dir)

	k.Logger.Info("Kernel services initialized: %s sandboxes, %s/%s model", provider.Name(), cfg.Model.Provider, cfg.Model.Name)
	return nil
}

// Start launches the model rate limiter, the idle sandbox sweep and the worker pool,
// then resumes runs a previous process left unfinished.
func (k *Kernel) Start() error {
	if k.running {
		return fmt.Errorf("kernel is already running")
	}

	k.LLMFactory.Start(k.ctx)
	k.Sandboxes.StartCleanupRoutine(k.ctx, k.Config.Sandbox.CleanupInterval.Std(), k.Config.Sandbox.IdleTimeout.Std())
	if err := k.Runner.Start(k.ctx); err != nil {
		return err
	}
	k.running = true

	n, err := k.Runner.Resume(k.ctx)
	if err != nil {
		return fmt.Errorf("failed to resume runs: %w", err)
	}
	if n > 0 {
		k.Logger.Info("🔄 Resumed %d unfinished runs", n)
	}
	return nil
}

// StartWebUI serves the HTTP API in the background. Listen failures surface on WebErrors.
func (k *Kernel) StartWebUI() {
	k.webErr = make(chan error, 1)
	go func() {
		k.webErr <- k.WebServer.Start(k.Config.Server.Addr)
	}()
}

// WebErrors yields the HTTP server's exit error. Nil until StartWebUI is called.
func (k *Kernel) WebErrors() <-chan error {
	return k.webErr
}

// Stop shuts the HTTP API and the scheduler down, kills the sandboxes of finished runs,
// then closes storage. Runs still going when ctx expires stay marked running and resume
// on next start, so their sandboxes are left up.
func (k *Kernel) Stop(ctx context.Context) error {
	k.Logger.Info("🛑 Stopping kernel")

	var errs []error
	if k.webErr != nil {
		errs = append(errs, k.WebServer.Shutdown(ctx))
	}
	errs = append(errs, k.Runner.Shutdown(ctx))
	k.Sandboxes.Shutdown()
	errs = append(errs, k.Sandboxes.StopFinished(ctx))
	k.running = false
	k.release()
	return errors.Join(errs...)
}

// release cancels background work and closes whatever was opened.
func (k *Kernel) release() {
	k.cancel()
	if k.Journal != nil {
		if err := k.Journal.Close(); err != nil {
			k.Logger.Warn("Failed to close event journal: %v", err)
		}
	}
	if k.Database != nil {
		if err := k.Database.Close(); err != nil {
			k.Logger.Warn("Failed to close database: %v", err)
		}
	}
}
