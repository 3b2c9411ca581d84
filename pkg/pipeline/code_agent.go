// Package pipeline implements the end-to-end code-agent run: provision a sandbox, load the
// conversation, run the agent network, wait for the app, post-process and persist the outcome.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"appbuilder/pkg/agent"
	"appbuilder/pkg/agent/llm"
	"appbuilder/pkg/config"
	"appbuilder/pkg/durable"
	"appbuilder/pkg/eventlog"
	"appbuilder/pkg/logx"
	"appbuilder/pkg/metrics"
	"appbuilder/pkg/network"
	"appbuilder/pkg/persistence"
	"appbuilder/pkg/proto"
	"appbuilder/pkg/sandbox"
	"appbuilder/pkg/templates"
	"appbuilder/pkg/tools"
)

// Durable step names of a run, in execution order.
const (
	StepCreateSandbox    = "create-sandbox"
	StepPreviousMessages = "get-previous-messages"
	StepWaitForServer    = "wait-for-server"
	StepSandboxURL       = "get-sandbox-url"
	StepSaveResult       = "save-result"
)

// CodingAgentName names the coding agent and its inference steps.
const CodingAgentName = "coding-agent"

// ConversationStore is the part of the conversation store a run needs.
type ConversationStore interface {
	ListMessages(ctx context.Context, projectID string) ([]proto.ConversationTurn, error)
	PersistOutcome(ctx context.Context, runID, projectID string, outcome proto.RunOutcome) (*persistence.Message, error)
}

// ClientFactory builds the language-model client used by every agent of a run.
type ClientFactory interface {
	CreateClient() (llm.LLMClient, error)
}

// Deps are the collaborators of a CodeAgent.
type Deps struct {
	Config    *config.Config
	Sandboxes *sandbox.Manager
	Store     ConversationStore
	Clients   ClientFactory
	Prompts   *templates.Renderer
	Policy    *tools.CommandPolicy // nil allows every command
	Events    eventlog.Sink
	Recorder  metrics.Recorder
}

// CodeAgent runs the code-agent pipeline for one request at a time per executor.
type CodeAgent struct {
	cfg       *config.Config
	sandboxes *sandbox.Manager
	store     ConversationStore
	clients   ClientFactory
	prompts   *templates.Renderer
	policy    *tools.CommandPolicy
	events    eventlog.Sink
	recorder  metrics.Recorder
	logger    *logx.Logger
}

// NewCodeAgent validates deps and returns a pipeline.
func NewCodeAgent(deps Deps) (*CodeAgent, error) {
	if deps.Config == nil || deps.Sandboxes == nil || deps.Store == nil || deps.Clients == nil {
		return nil, fmt.Errorf("code agent requires config, sandboxes, store and clients")
	}
	if deps.Prompts == nil {
		r, err := templates.NewRenderer()
		if err != nil {
			return nil, err
		}
		deps.Prompts = r
	}
	if deps.Events == nil {
		deps.Events = eventlog.Nop{}
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.Nop()
	}
	return &CodeAgent{
		cfg:       deps.Config,
		sandboxes: deps.Sandboxes,
		store:     deps.Store,
		clients:   deps.Clients,
		prompts:   deps.Prompts,
		policy:    deps.Policy,
		events:    deps.Events,
		recorder:  deps.Recorder,
		logger:    logx.NewLogger("code-agent"),
	}, nil
}

// Run executes req on ex. Every side effect happens inside a durable step, so running the
// same request again on a fresh executor over the same journal replays instead of repeating.
// An unfinished network is a normal outcome: the failure notice is persisted and no error is returned.
func (c *CodeAgent) Run(ctx context.Context, ex *durable.Executor, req proto.RunRequest) (*proto.RunOutput, error) {
	runID := ex.RunID()
	ctx = logx.WithRunID(ctx, runID)

	handle, err := durable.Step(ctx, ex, StepCreateSandbox, func(ctx context.Context) (string, error) {
		return c.createSandbox(ctx, runID)
	})
	if err != nil {
		return nil, err
	}

	history, err := durable.Step(ctx, ex, StepPreviousMessages, func(ctx context.Context) ([]proto.ConversationTurn, error) {
		turns, err := c.store.ListMessages(ctx, req.ProjectID)
		if err != nil {
			return nil, err
		}
		return previousTurns(turns, req.PromptValue), nil
	})
	if err != nil {
		return nil, err
	}

	client, err := c.clients.CreateClient()
	if err != nil {
		return nil, durable.Permanent(fmt.Errorf("failed to create LLM client: %w", err))
	}

	state := network.NewState()
	codingAgent, err := c.codingAgent(client, state, func(ctx context.Context) (sandbox.Session, error) {
		return c.sandboxes.Connect(ctx, runID, handle)
	})
	if err != nil {
		return nil, err
	}
	router := network.NewRouter(codingAgent, network.RouterConfig{
		MaxIter:  c.cfg.Network.MaxIter,
		Sentinel: c.cfg.Network.Sentinel,
		Events:   c.events,
	})
	netOut, err := router.Run(ctx, ex, state, history, req.PromptValue)
	if err != nil {
		return nil, err
	}

	if _, err := durable.Step(ctx, ex, StepWaitForServer, func(ctx context.Context) (bool, error) {
		return c.waitForServer(ctx, runID, handle)
	}); err != nil {
		return nil, err
	}

	summary := state.Summary()
	files := state.Files()
	success := summary != "" && files.Len() > 0

	title, response := proto.DefaultTitle, proto.DefaultResponse
	if success {
		titleAgent, responseAgent, err := c.postProcessAgents(client)
		if err != nil {
			return nil, err
		}
		title, response, err = PostProcess(ctx, ex, titleAgent, responseAgent, summary)
		if err != nil {
			return nil, err
		}
	}

	sandboxURL, err := durable.Step(ctx, ex, StepSandboxURL, func(ctx context.Context) (string, error) {
		session, err := c.sandboxes.Connect(ctx, runID, handle)
		if err != nil {
			return "", err
		}
		host, err := session.Host(ctx, c.cfg.Sandbox.AppPort)
		if err != nil {
			return "", err
		}
		return "http://" + host, nil
	})
	if err != nil {
		return nil, err
	}

	outcome := proto.RunOutcome{
		Success:      success,
		ResponseText: response,
		Title:        title,
		SandboxURL:   sandboxURL,
		Files:        files,
	}
	if _, err := durable.Step(ctx, ex, StepSaveResult, func(ctx context.Context) (*persistence.Message, error) {
		return c.store.PersistOutcome(ctx, runID, req.ProjectID, outcome)
	}); err != nil {
		return nil, err
	}
	c.sandboxes.Finish(runID)

	if success {
		c.logger.Info("✅ Run %s finished after %d turns: %q with %d files", runID, netOut.Turns, title, files.Len())
	} else {
		c.logger.Warn("Run %s finished without a result after %d turns (summary set: %t, files: %d)",
			runID, netOut.Turns, summary != "", files.Len())
	}

	return &proto.RunOutput{URL: sandboxURL, Title: title, Files: files, Summary: summary, Turns: netOut.Turns}, nil
}

// createSandbox provisions the run's sandbox and runs the bootstrap commands.
// Bootstrap exit codes are logged, not fatal; losing the sandbox is.
func (c *CodeAgent) createSandbox(ctx context.Context, runID string) (string, error) {
	handle, err := c.sandboxes.Create(ctx, runID, c.cfg.Sandbox.Template)
	if err != nil {
		return "", err
	}
	session, err := c.sandboxes.Connect(ctx, runID, handle)
	if err != nil {
		return "", err
	}
	for _, command := range c.cfg.Sandbox.BootstrapCommands {
		res, err := session.RunCommand(ctx, command, nil)
		if err != nil {
			return "", fmt.Errorf("bootstrap %q: %w", command, err)
		}
		if res.ExitCode != 0 {
			c.logger.Warn("Bootstrap command %q exited with %d: %s", command, res.ExitCode, strings.TrimSpace(res.Stderr))
			continue
		}
		c.logger.Info("Bootstrap command %q completed in %s", command, res.Duration.Round(time.Millisecond))
	}
	return handle, nil
}

func (c *CodeAgent) codingAgent(client llm.LLMClient, state *network.State, sessions tools.SessionFunc) (*agent.Agent, error) {
	provider := tools.NewProvider(tools.AgentContext{
		Sessions: sessions,
		Policy:   c.policy,
		WorkDir:  c.cfg.Sandbox.WorkDir,
	}, tools.CodingTools)

	prompt, err := c.prompts.Render(templates.CodingAgentTemplate, c.templateData(provider.GenerateToolDocumentation()))
	if err != nil {
		return nil, durable.Permanent(err)
	}

	return agent.New(agent.Config{
		Name:          CodingAgentName,
		SystemPrompt:  prompt,
		Client:        client,
		Dispatcher:    tools.NewDispatcher(provider, state, tools.WithEvents(c.events), tools.WithRecorder(c.recorder)),
		MaxToolRounds: c.cfg.Network.MaxToolRounds,
		MaxTokens:     c.cfg.Model.MaxTokens,
		Temperature:   float32(c.cfg.Model.Temperature),
	})
}

func (c *CodeAgent) postProcessAgents(client llm.LLMClient) (title, response *agent.Agent, err error) {
	build := func(name string, tmpl templates.PromptTemplate) (*agent.Agent, error) {
		prompt, err := c.prompts.Render(tmpl, c.templateData(""))
		if err != nil {
			return nil, durable.Permanent(err)
		}
		return agent.New(agent.Config{
			Name:          name,
			SystemPrompt:  prompt,
			Client:        client,
			MaxToolRounds: 1,
			MaxTokens:     c.cfg.Model.MaxTokens,
			Temperature:   float32(c.cfg.Model.Temperature),
		})
	}
	if title, err = build(TitleAgentName, templates.FragmentTitleTemplate); err != nil {
		return nil, nil, err
	}
	if response, err = build(ResponseAgentName, templates.ResponseTemplate); err != nil {
		return nil, nil, err
	}
	return title, response, nil
}

func (c *CodeAgent) templateData(toolDoc string) *templates.TemplateData {
	return &templates.TemplateData{
		WorkDir:           c.cfg.Sandbox.WorkDir,
		AppPort:           c.cfg.Sandbox.AppPort,
		Sentinel:          c.cfg.Network.Sentinel,
		ToolDocumentation: toolDoc,
	}
}

// waitForServer probes the app inside the sandbox until it answers 200 or the attempts run out.
// Failed probes are ignored; the result only reports whether readiness was seen.
func (c *CodeAgent) waitForServer(ctx context.Context, runID, handle string) (bool, error) {
	session, err := c.sandboxes.Connect(ctx, runID, handle)
	if err != nil {
		return false, err
	}

	probe := c.cfg.ReadinessCommand()
	attempts := c.cfg.Readiness.Attempts
	delay := c.cfg.Readiness.Delay.Std()
	for i := 1; i <= attempts; i++ {
		res, err := session.RunCommand(ctx, probe, nil)
		if err == nil && res.ExitCode == 0 && strings.TrimSpace(res.Stdout) == "200" {
			c.logger.Info("Sandbox %s ready after %d attempts", handle, i)
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		logx.Debug(ctx, "readiness", "probe %d/%d of %s not ready", i, attempts, handle)
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
	}
	c.logger.Warn("Sandbox %s not ready after %d attempts, continuing", handle, attempts)
	return false, nil
}
