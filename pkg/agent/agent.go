// Package agent implements the coding agent: one conversational actor that wraps a
// language model, a system prompt and an optional tool dispatcher.
//
// Every model call runs as a durable step named "<agent>-infer", so a replayed run
// sees the same responses and issues the same tool calls in the same order.
package agent

import (
	"context"
	"fmt"
	"time"

	"appbuilder/pkg/agent/llm"
	"appbuilder/pkg/durable"
	"appbuilder/pkg/logx"
	"appbuilder/pkg/tools"
)

// DefaultMaxToolRounds bounds model calls within one turn.
const DefaultMaxToolRounds = 20

// Config describes an agent.
//
//nolint:govet // fieldalignment: grouped for readability
type Config struct {
	Name          string
	SystemPrompt  string
	Client        llm.LLMClient
	Dispatcher    *tools.Dispatcher // nil for agents without tools
	MaxToolRounds int
	MaxTokens     int
	Temperature   float32
}

// Agent is a single stateful conversational actor. It keeps no conversation of its own;
// callers pass the history for each turn.
type Agent struct {
	cfg    Config
	logger *logx.Logger
}

// Result is what one turn produced.
type Result struct {
	// Messages produced during the turn, in order: assistant messages and tool results.
	Messages []llm.CompletionMessage `json:"messages"`
	// Output is the text of the last assistant message.
	Output    string `json:"output"`
	ToolCalls int    `json:"tool_calls"`
	Rounds    int    `json:"rounds"`
}

// New validates cfg and returns an agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("agent %s: LLM client is required", cfg.Name)
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = llm.DefaultMaxTokens
	}
	return &Agent{cfg: cfg, logger: logx.NewLogger(cfg.Name)}, nil
}

// Name returns the agent name.
func (a *Agent) Name() string {
	return a.cfg.Name
}

// StepID is the durable step name used for this agent's model calls.
func (a *Agent) StepID() string {
	return a.cfg.Name + "-infer"
}

// Run performs one turn: it calls the model with the system prompt plus history, executes
// any requested tools, and repeats until the model answers without tool calls or the
// round bound is reached. Tool failures are returned to the model as text; an error is
// returned only when a step fails.
func (a *Agent) Run(ctx context.Context, ex *durable.Executor, history []llm.CompletionMessage) (*Result, error) {
	ctx = llm.WithAgentName(ctx, a.cfg.Name)

	messages := make([]llm.CompletionMessage, 0, len(history)+1)
	if a.cfg.SystemPrompt != "" {
		messages = append(messages, llm.NewSystemMessage(a.cfg.SystemPrompt))
	}
	messages = append(messages, history...)

	var toolDefs []tools.ToolDefinition
	if a.cfg.Dispatcher != nil {
		toolDefs = a.cfg.Dispatcher.Definitions()
	}

	result := &Result{}
	for round := 0; round < a.cfg.MaxToolRounds; round++ {
		result.Rounds++

		req := llm.CompletionRequest{
			Messages:    messages,
			Tools:       toolDefs,
			ToolChoice:  llm.ToolChoiceAuto,
			MaxTokens:   a.cfg.MaxTokens,
			Temperature: a.cfg.Temperature,
		}

		a.logger.Info("🔄 Starting LLM call to model '%s' with %d messages, %d tools (round %d)",
			a.cfg.Client.GetModelName(), len(messages), len(toolDefs), round+1)

		start := time.Now()
		resp, err := durable.Step(ctx, ex, a.StepID(), func(ctx context.Context) (llm.CompletionResponse, error) {
			return a.cfg.Client.Complete(ctx, req)
		})
		if err != nil {
			a.logger.Error("❌ LLM call failed after %.3gs: %v", time.Since(start).Seconds(), err)
			return nil, fmt.Errorf("agent %s: %w", a.cfg.Name, err)
		}
		a.logger.Info("✅ LLM call completed in %.3gs, response length: %d chars, tool calls: %d",
			time.Since(start).Seconds(), len(resp.Content), len(resp.ToolCalls))

		calls := normalizeToolCalls(resp.ToolCalls, round)
		assistant := llm.CompletionMessage{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: calls}
		messages = append(messages, assistant)
		result.Messages = append(result.Messages, assistant)
		if resp.Content != "" {
			result.Output = resp.Content
		}

		if len(calls) == 0 || a.cfg.Dispatcher == nil {
			return result, nil
		}

		// Every tool_use needs a tool_result, so all calls run even after a failure.
		toolResults := make([]llm.ToolResult, 0, len(calls))
		for i := range calls {
			call := &calls[i]
			res, err := a.cfg.Dispatcher.Dispatch(ctx, ex, tools.Call{ID: call.ID, Name: call.Name, Arguments: call.Parameters})
			if err != nil {
				return nil, fmt.Errorf("agent %s: %w", a.cfg.Name, err)
			}
			result.ToolCalls++
			toolResults = append(toolResults, llm.ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    res.Content,
				IsError:    res.IsError,
			})
		}
		results := llm.CompletionMessage{Role: llm.RoleUser, ToolResults: toolResults}
		messages = append(messages, results)
		result.Messages = append(result.Messages, results)
	}

	a.logger.Warn("Reached %d tool rounds without a final answer", a.cfg.MaxToolRounds)
	return result, nil
}

// normalizeToolCalls fills in missing call IDs so results can be matched to calls.
func normalizeToolCalls(calls []llm.ToolCall, round int) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, len(calls))
	for i, call := range calls {
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d_%d", round, i)
		}
		if call.Parameters == nil {
			call.Parameters = map[string]any{}
		}
		out[i] = call
	}
	return out
}
