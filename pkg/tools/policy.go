package tools

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"mvdan.cc/sh/v3/syntax"
)

// Policy decisions.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// DefaultCommandPolicy is the built-in terminal policy. It catches commands that would
// take down or escape the sandbox; it is not a security boundary.
const DefaultCommandPolicy = `
package appbuilder.terminal

default decision = "allow"

blocked_programs = {"shutdown", "reboot", "halt", "poweroff", "mkfs", "sudo", "su", "docker", "nsenter"}

decision = "deny" {
	blocked_programs[input.calls[_].program]
}

decision = "deny" {
	call := input.calls[_]
	call.program == "rm"
	call.args[_] == "/"
}

reasons[msg] {
	p := input.calls[_].program
	blocked_programs[p]
	msg := sprintf("%s is not allowed in the sandbox", [p])
}

reasons[msg] {
	call := input.calls[_]
	call.program == "rm"
	call.args[_] == "/"
	msg := "removing the filesystem root is not allowed"
}
`

// Decision is the verdict of the command policy.
type Decision struct {
	Decision string
	Reasons  []string
}

// Allowed reports whether the command may run.
func (d Decision) Allowed() bool {
	return d.Decision != DecisionDeny
}

// Reason joins the policy reasons for display.
func (d Decision) Reason() string {
	if len(d.Reasons) == 0 {
		return "denied by policy"
	}
	return strings.Join(d.Reasons, "; ")
}

// CommandPolicy evaluates terminal commands against a Rego policy.
// The policy package must be appbuilder.terminal and define decision and reasons.
type CommandPolicy struct {
	query rego.PreparedEvalQuery
}

// NewCommandPolicy prepares policyContent for evaluation.
func NewCommandPolicy(ctx context.Context, policyContent string) (*CommandPolicy, error) {
	r := rego.New(
		rego.Query("decision := data.appbuilder.terminal.decision; reasons := data.appbuilder.terminal.reasons"),
		rego.Module("terminal.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &CommandPolicy{query: query}, nil
}

// LoadCommandPolicy reads a policy file, or uses DefaultCommandPolicy when path is empty.
func LoadCommandPolicy(ctx context.Context, path string) (*CommandPolicy, error) {
	if path == "" {
		return NewCommandPolicy(ctx, DefaultCommandPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	return NewCommandPolicy(ctx, string(content))
}

// Evaluate decides whether command may run.
func (p *CommandPolicy) Evaluate(ctx context.Context, command string) (Decision, error) {
	calls, err := parseCalls(command)
	if err != nil {
		return Decision{}, err
	}

	input := map[string]any{
		"command": command,
		"calls":   calls,
	}
	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 {
		// The policy is expected to define a default.
		return Decision{Decision: DecisionAllow}, nil
	}

	d := Decision{Decision: DecisionAllow}
	if s, ok := results[0].Bindings["decision"].(string); ok {
		d.Decision = s
	}
	if reasons, ok := results[0].Bindings["reasons"].([]any); ok {
		for _, r := range reasons {
			if s, ok := r.(string); ok {
				d.Reasons = append(d.Reasons, s)
			}
		}
		sort.Strings(d.Reasons)
	}
	return d, nil
}

// maxWrapDepth bounds how deep wrapped commands are unpacked, e.g. sudo sh -c "env X=1 reboot".
const maxWrapDepth = 4

// Wrappers that run their arguments as a command. The value lists options that consume the next word.
//
//nolint:gochecknoglobals // Static lookup table
var commandWrappers = map[string][]string{
	"sudo":    {"-u", "-g", "-C", "-D", "-h", "-p", "-r", "-t", "-U"},
	"doas":    {"-u", "-C"},
	"env":     {"-u", "-C", "-S"},
	"nohup":   nil,
	"nice":    {"-n"},
	"exec":    {"-a"},
	"command": nil,
	"time":    nil,
	"timeout": {"-s", "-k"},
	"xargs":   {"-a", "-d", "-E", "-I", "-L", "-n", "-P", "-s"},
	"setsid":  nil,
	"stdbuf":  {"-i", "-o", "-e"},
}

// Shells whose -c script is parsed as a command of its own.
//
//nolint:gochecknoglobals // Static lookup table
var scriptShells = map[string]bool{"sh": true, "bash": true, "dash": true, "zsh": true}

// parseCalls extracts every simple command of a shell script as {program, args}.
// Commands run through a wrapper (sudo, env, xargs, sh -c, ...) are reported as well
// as the wrapper itself. Words that are not plain literals (expansions, substitutions)
// are kept as empty strings.
func parseCalls(command string) ([]map[string]any, error) {
	calls := []map[string]any{}
	if err := collectCalls(command, 0, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

func collectCalls(script string, depth int, calls *[]map[string]any) error {
	file, err := syntax.NewParser().Parse(strings.NewReader(script), "")
	if err != nil {
		return fmt.Errorf("failed to parse shell command: %w", err)
	}

	var nested []string
	syntax.Walk(file, func(node syntax.Node) bool {
		callExpr, ok := node.(*syntax.CallExpr)
		if !ok || len(callExpr.Args) == 0 {
			return true
		}
		words := make([]string, 0, len(callExpr.Args))
		for _, word := range callExpr.Args {
			words = append(words, literal(word))
		}
		for i := 0; len(words) > 0 && i <= maxWrapDepth; i++ {
			*calls = append(*calls, newCall(words))
			if scriptShells[words[0]] {
				if s, ok := shellScript(words[1:]); ok {
					nested = append(nested, s)
				}
				break
			}
			words = unwrap(words)
		}
		return true
	})

	if depth >= maxWrapDepth {
		return nil
	}
	for _, s := range nested {
		if err := collectCalls(s, depth+1, calls); err != nil {
			return err
		}
	}
	return nil
}

func newCall(words []string) map[string]any {
	args := make([]any, 0, len(words)-1)
	for _, w := range words[1:] {
		args = append(args, w)
	}
	return map[string]any{"program": words[0], "args": args}
}

// unwrap returns the command a wrapper runs, or nil when words[0] is not a wrapper.
func unwrap(words []string) []string {
	valued, ok := commandWrappers[words[0]]
	if !ok {
		return nil
	}
	rest := words[1:]
	for len(rest) > 0 {
		w := rest[0]
		switch {
		case w == "--":
			return rest[1:]
		case strings.HasPrefix(w, "-"):
			rest = rest[1:]
			for _, opt := range valued {
				if w == opt && len(rest) > 0 {
					rest = rest[1:]
					break
				}
			}
		case words[0] == "env" && strings.Contains(w, "="):
			rest = rest[1:]
		case words[0] == "timeout":
			// Duration precedes the command.
			return rest[1:]
		default:
			return rest
		}
	}
	return nil
}

// shellScript returns the script argument of a shell invoked with -c, including combined flags like -lc.
func shellScript(args []string) (string, bool) {
	for i, a := range args {
		isScriptFlag := strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") && strings.ContainsRune(a, 'c')
		if isScriptFlag && i+1 < len(args) {
			return args[i+1], true
		}
		if !strings.HasPrefix(a, "-") {
			return "", false
		}
	}
	return "", false
}

// literal returns the static text of word, unquoting quoted parts. Words with expansions yield "".
func literal(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return ""
				}
				sb.WriteString(lit.Value)
			}
		default:
			return ""
		}
	}
	return sb.String()
}
