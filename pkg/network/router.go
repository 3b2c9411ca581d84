package network

import (
	"context"
	"fmt"
	"strings"

	"appbuilder/pkg/agent"
	"appbuilder/pkg/agent/llm"
	"appbuilder/pkg/durable"
	"appbuilder/pkg/eventlog"
	"appbuilder/pkg/logx"
	"appbuilder/pkg/proto"
)

// Defaults used when RouterConfig leaves a field unset.
const (
	DefaultMaxIter  = 10
	DefaultSentinel = "<task_summary>"
)

// ContinuePrompt is sent before every turn after the first. It names the marker the router halts on.
func ContinuePrompt(sentinel string) string {
	return fmt.Sprintf("Continue working on the task. When you are finished, reply with your %s.", sentinel)
}

// Turner runs one agent turn over a conversation.
type Turner interface {
	Name() string
	Run(ctx context.Context, ex *durable.Executor, history []llm.CompletionMessage) (*agent.Result, error)
}

// RouterConfig configures a Router.
type RouterConfig struct {
	Events   eventlog.Sink
	Sentinel string
	MaxIter  int
}

// Router drives one agent through turns. The route is trivial: the agent runs again
// while the summary is unset and the turn bound is not exhausted.
type Router struct {
	agent    Turner
	events   eventlog.Sink
	logger   *logx.Logger
	sentinel string
	maxIter  int
}

// Outcome describes how the network halted.
type Outcome struct {
	LastOutput string `json:"last_output"`
	Turns      int    `json:"turns"`
	Completed  bool   `json:"completed"`
}

// NewRouter creates a router for a.
func NewRouter(a Turner, cfg RouterConfig) *Router {
	if cfg.MaxIter <= 0 {
		cfg.MaxIter = DefaultMaxIter
	}
	if cfg.Sentinel == "" {
		cfg.Sentinel = DefaultSentinel
	}
	if cfg.Events == nil {
		cfg.Events = eventlog.Nop{}
	}
	return &Router{
		agent:    a,
		events:   cfg.Events,
		logger:   logx.NewLogger("network"),
		sentinel: cfg.Sentinel,
		maxIter:  cfg.MaxIter,
	}
}

// Run executes turns until state carries a summary or MaxIter turns have run.
// history is the prior conversation, oldest-first; input is the current instruction.
// Exhausting the bound is a normal outcome, not an error.
func (r *Router) Run(ctx context.Context, ex *durable.Executor, state *State, history []proto.ConversationTurn, input string) (*Outcome, error) {
	transcript := TranscriptFromTurns(history)
	if input != "" {
		transcript = append(transcript, llm.NewUserMessage(input))
	}

	out := &Outcome{}
	for out.Turns < r.maxIter {
		if state.Summary() != "" {
			break
		}
		if out.Turns > 0 {
			transcript = append(transcript, llm.NewUserMessage(ContinuePrompt(r.sentinel)))
		}

		res, err := r.agent.Run(ctx, ex, transcript)
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", out.Turns+1, err)
		}
		out.Turns++
		transcript = append(transcript, res.Messages...)
		if res.Output != "" {
			out.LastOutput = res.Output
		}

		r.logger.Info("Turn %d/%d of %s: %d tool calls, %d rounds", out.Turns, r.maxIter, r.agent.Name(), res.ToolCalls, res.Rounds)
		r.emit(ex, eventlog.KindTurn, fmt.Sprintf("%d", out.Turns))

		if summary, ok := ExtractSummary(res.Output, r.sentinel); ok {
			if state.SetSummaryIfUnset(summary) {
				r.emit(ex, eventlog.KindSummarySet, fmt.Sprintf("turn %d", out.Turns))
			}
		}
	}

	out.Completed = state.Summary() != ""
	if out.Completed {
		r.logger.Info("Network halted after %d turns with a summary", out.Turns)
	} else {
		r.logger.Warn("Network halted after %d turns without a summary", out.Turns)
	}
	r.emit(ex, eventlog.KindHalt, fmt.Sprintf("turns=%d completed=%t", out.Turns, out.Completed))
	return out, nil
}

func (r *Router) emit(ex *durable.Executor, kind eventlog.Kind, detail string) {
	r.events.Emit(eventlog.Event{RunID: ex.RunID(), Kind: kind, Step: r.agent.Name(), Detail: detail})
}

// ExtractSummary returns the summary marked by sentinel in text. For a tag-style
// sentinel such as <task_summary> the body up to the closing tag is used; a missing
// closing tag takes the rest of the text, and an empty body falls back to the whole text.
func ExtractSummary(text, sentinel string) (string, bool) {
	idx := strings.Index(text, sentinel)
	if idx < 0 {
		return "", false
	}
	body := text[idx+len(sentinel):]
	if closing := closingTag(sentinel); closing != "" {
		if end := strings.Index(body, closing); end >= 0 {
			body = body[:end]
		}
	}
	if body = strings.TrimSpace(body); body != "" {
		return body, true
	}
	return strings.TrimSpace(text), true
}

func closingTag(sentinel string) string {
	if len(sentinel) > 2 && strings.HasPrefix(sentinel, "<") && strings.HasSuffix(sentinel, ">") && sentinel[1] != '/' {
		return "</" + sentinel[1:]
	}
	return ""
}

// TranscriptFromTurns converts stored conversation turns to model messages.
func TranscriptFromTurns(turns []proto.ConversationTurn) []llm.CompletionMessage {
	out := make([]llm.CompletionMessage, 0, len(turns)+1)
	for _, t := range turns {
		if t.Content == "" {
			continue
		}
		if t.Role == "assistant" {
			out = append(out, llm.NewAssistantMessage(t.Content))
		} else {
			out = append(out, llm.NewUserMessage(t.Content))
		}
	}
	return out
}
