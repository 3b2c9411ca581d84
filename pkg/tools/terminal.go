package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"mvdan.cc/sh/v3/syntax"

	"appbuilder/pkg/logx"
	"appbuilder/pkg/metrics"
	"appbuilder/pkg/sandbox"
)

//nolint:gochecknoinits // Tools self-register with the global registry
func init() {
	Register(ToolTerminal, func(ctx AgentContext) (Tool, error) {
		return NewTerminalTool(ctx.Sessions, ctx.Policy), nil
	}, &terminalMeta)
}

//nolint:gochecknoglobals // Static tool metadata
var terminalMeta = ToolMeta{
	Name:        ToolTerminal,
	Description: "Use the terminal to run commands",
	InputSchema: InputSchema{
		Type: "object",
		Properties: map[string]Property{
			"command": {
				Type:        "string",
				Description: "Shell command to run in the sandbox. End with & to start a background process.",
			},
		},
		Required: []string{"command"},
	},
}

// TerminalTool runs a shell command in the run's sandbox.
type TerminalTool struct {
	sessions SessionSource
	policy   *CommandPolicy
	logger   *logx.Logger
}

// NewTerminalTool creates a terminal tool. A nil policy allows every command.
func NewTerminalTool(sessions SessionSource, policy *CommandPolicy) *TerminalTool {
	return &TerminalTool{sessions: sessions, policy: policy, logger: logx.NewLogger("terminal")}
}

// Name returns the tool name.
func (t *TerminalTool) Name() string {
	return ToolTerminal
}

// Definition returns the tool definition for LLM.
func (t *TerminalTool) Definition() ToolDefinition {
	return terminalMeta.Definition()
}

// CheckArgs rejects commands that do not parse as shell.
func (t *TerminalTool) CheckArgs(args map[string]any) error {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return &ValidationError{Tool: ToolTerminal, Field: "command", Reason: "must not be empty"}
	}
	if _, err := syntax.NewParser().Parse(strings.NewReader(command), ""); err != nil {
		return &ValidationError{Tool: ToolTerminal, Field: "command", Reason: fmt.Sprintf("is not valid shell: %v", err)}
	}
	return nil
}

// Exec runs the command and returns its stdout, or a failure description with both buffers.
func (t *TerminalTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	command, _ := args["command"].(string)

	if t.policy != nil {
		decision, err := t.policy.Evaluate(ctx, command)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed() {
			t.logger.Warn("Denied command %q: %s", command, decision.Reason())
			return &ExecResult{
				Content: "Command denied by policy: " + decision.Reason(),
				Status:  metrics.ToolDenied,
			}, nil
		}
	}

	var (
		mu     sync.Mutex
		stdout strings.Builder
		stderr strings.Builder
	)
	failed := func(cause error) *ExecResult {
		mu.Lock()
		defer mu.Unlock()
		return &ExecResult{
			Content: truncateOutput(fmt.Sprintf("Command failed: %v\nstdout: %s\nstderr: %s", cause, stdout.String(), stderr.String())),
			Status:  metrics.ToolError,
		}
	}

	session, err := t.sessions.Session(ctx)
	if err != nil {
		return failed(err), nil
	}

	result, err := session.RunCommand(ctx, command, func(stream sandbox.Stream, chunk string) {
		mu.Lock()
		defer mu.Unlock()
		if stream == sandbox.Stderr {
			stderr.WriteString(chunk)
		} else {
			stdout.WriteString(chunk)
		}
	})
	if err != nil {
		return failed(err), nil
	}
	// Sessions that do not stream still report the full buffers.
	mu.Lock()
	if stdout.Len() == 0 {
		stdout.WriteString(result.Stdout)
	}
	if stderr.Len() == 0 {
		stderr.WriteString(result.Stderr)
	}
	mu.Unlock()
	if result.ExitCode != 0 {
		return failed(fmt.Errorf("exit status %d", result.ExitCode)), nil
	}

	t.logger.Debug("Command %q finished in %s with %s of output", command, result.Duration, humanize.Bytes(uint64(len(result.Stdout))))
	return &ExecResult{Content: truncateOutput(stdout.String()), Status: metrics.ToolOK}, nil
}

func truncateOutput(s string) string {
	if len(s) <= maxToolOutput {
		return s
	}
	// Start the tail on a rune boundary.
	cut := len(s) - maxToolOutput
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return fmt.Sprintf("[output truncated, showing last %s]\n", humanize.Bytes(maxToolOutput)) + s[cut:]
}
