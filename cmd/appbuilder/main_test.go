package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appbuilder/pkg/config"
	"appbuilder/pkg/eventlog"
	"appbuilder/pkg/persistence"
	"appbuilder/pkg/proto"
)

func init() {
	color.NoColor = true
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "appbuilder.yaml")
	doc := fmt.Sprintf("state_dir: %s\nsandbox:\n  provider: local\n", filepath.Join(dir, "state"))
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestVersionCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"version"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "appbuilder dev")
}

func TestUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, run([]string{"frobnicate"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Unknown command")

	stderr.Reset()
	assert.Equal(t, 2, run(nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Usage:")
}

func TestRunRequiresProjectAndPrompt(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, run([]string{"run", "only-project"}, &stdout, &stderr))
}

func TestSecretsSetAndList(t *testing.T) {
	cfg := testConfig(t)
	t.Setenv(passwordEnv, "correct horse")
	t.Cleanup(func() { config.SetDecryptedSecrets(nil) })

	var out bytes.Buffer
	require.NoError(t, setSecret(cfg, "ANTHROPIC_API_KEY", strings.NewReader("sk-test\n"), &out))
	require.NoError(t, setSecret(cfg, "OPENAI_API_KEY", strings.NewReader("sk-other"), &out))
	assert.True(t, config.SecretsFileExists(cfg.StateDir))

	out.Reset()
	require.NoError(t, runSecrets(cfg, []string{"list"}, &out))
	assert.Equal(t, "ANTHROPIC_API_KEY\nOPENAI_API_KEY\n", out.String())

	value, err := config.GetSecret("ANTHROPIC_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", value)
}

func TestSecretsSetRejectsEmptyValue(t *testing.T) {
	cfg := testConfig(t)
	t.Setenv(passwordEnv, "pw")

	var out bytes.Buffer
	assert.Error(t, setSecret(cfg, "OPENAI_API_KEY", strings.NewReader("  \n"), &out))
	assert.False(t, config.SecretsFileExists(cfg.StateDir))
}

func TestSecretsPasswordConfirmation(t *testing.T) {
	t.Setenv(passwordEnv, "")
	answers := []string{"first", "second"}
	orig := readPassword
	readPassword = func(string) (string, error) {
		a := answers[0]
		answers = answers[1:]
		return a, nil
	}
	t.Cleanup(func() { readPassword = orig })

	_, err := secretsPassword(true)
	assert.ErrorContains(t, err, "do not match")
}

func TestLoadSecretsWithoutFileIsNoop(t *testing.T) {
	cfg := testConfig(t)
	assert.NoError(t, loadSecrets(cfg))
}

func TestPrintOutcomeSuccess(t *testing.T) {
	run := &persistence.Run{ID: "run-1", Status: string(proto.RunStatusSucceeded), Attempts: 2}
	msgs := []*persistence.MessageWithFragment{
		{Message: persistence.Message{ID: "user-1", Role: string(proto.RoleUser), Content: "make a todo app"}},
		{
			Message: persistence.Message{ID: "outcome-1", Role: string(proto.RoleAssistant), Type: string(proto.MessageTypeResult), Content: "Here is your todo app"},
			Fragment: &persistence.Fragment{
				Title:      "Todo App",
				SandboxURL: "http://3000-sbx-1.sandbox.test",
				Files:      `{"app/page.tsx":"export default 1"}`,
			},
		},
	}

	var out bytes.Buffer
	require.NoError(t, printOutcome(&out, run, "outcome-1", msgs))
	s := out.String()
	assert.Contains(t, s, "✓ Here is your todo app")
	assert.Contains(t, s, "title: Todo App")
	assert.Contains(t, s, "url: http://3000-sbx-1.sandbox.test")
	assert.Contains(t, s, "• app/page.tsx (16 B)")
	assert.Contains(t, s, "2 attempt(s)")
}

func TestPrintOutcomeFailure(t *testing.T) {
	run := &persistence.Run{ID: "run-1", Status: string(proto.RunStatusFailed), LastError: "sandbox unreachable"}
	msgs := []*persistence.MessageWithFragment{
		{Message: persistence.Message{ID: "outcome-1", Type: string(proto.MessageTypeError), Content: proto.FailureMessage}},
	}

	var out bytes.Buffer
	require.NoError(t, printOutcome(&out, run, "outcome-1", msgs))
	assert.Contains(t, out.String(), "✗ "+proto.FailureMessage)
	assert.Contains(t, out.String(), "last error: sandbox unreachable")

	assert.Error(t, printOutcome(&out, run, "missing", msgs))
}

func TestPrintEvents(t *testing.T) {
	cfg := testConfig(t)
	w, err := eventlog.NewWriter(cfg.Journal.Dir)
	require.NoError(t, err)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	w.Emit(eventlog.Event{Timestamp: ts, RunID: "run-1", Kind: eventlog.KindStepExecuted, Step: "create-sandbox"})
	w.Emit(eventlog.Event{Timestamp: ts, RunID: "run-1", Kind: eventlog.KindHalt, Detail: "turns=2 completed=true"})
	w.Emit(eventlog.Event{Timestamp: ts, RunID: "run-2", Kind: eventlog.KindRunStarted})
	require.NoError(t, w.Close())

	var out bytes.Buffer
	require.NoError(t, printEvents(cfg, "run-1", &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "create-sandbox")
	assert.Contains(t, lines[1], "turns=2 completed=true")

	assert.Error(t, printEvents(cfg, "run-3", &out))
}
