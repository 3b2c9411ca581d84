package kernel

import (
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appbuilder/pkg/config"
	"appbuilder/pkg/proto"
)

// createTestConfig returns a valid config rooted in a temp dir using the local sandbox.
func createTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		StateDir: filepath.Join(t.TempDir(), "state"),
		Sandbox:  config.SandboxConfig{Provider: config.SandboxLocal},
		Server:   config.ServerConfig{Addr: freeAddr(t)},
	}
	def := config.Default()
	cfg.Network = def.Network
	cfg.Readiness = def.Readiness
	cfg.Model = def.Model
	cfg.Steps = def.Steps
	cfg.Server.Workers = def.Server.Workers
	cfg.Sandbox.Template = def.Sandbox.Template
	cfg.Sandbox.AppPort = def.Sandbox.AppPort
	cfg.Sandbox.WorkDir = def.Sandbox.WorkDir
	cfg.Sandbox.LocalRoot = filepath.Join(cfg.StateDir, "sandboxes")
	cfg.Sandbox.IdleTimeout = def.Sandbox.IdleTimeout
	cfg.Sandbox.CleanupInterval = def.Sandbox.CleanupInterval
	cfg.Store.DBPath = filepath.Join(cfg.StateDir, "appbuilder.db")
	cfg.Journal.Dir = filepath.Join(cfg.StateDir, "events")
	require.NoError(t, cfg.Validate())
	return cfg
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestNewKernel(t *testing.T) {
	cfg := createTestConfig(t)

	k, err := NewKernel(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = k.Stop(context.Background()) }()

	assert.NotNil(t, k.Database)
	assert.NotNil(t, k.Journal)
	assert.NotNil(t, k.Registry)
	assert.NotNil(t, k.Conversation)
	assert.NotNil(t, k.Sandboxes)
	assert.NotNil(t, k.LLMFactory)
	assert.NotNil(t, k.Runner)
	assert.NotNil(t, k.WebServer)

	assert.FileExists(t, cfg.Store.DBPath)
	assert.DirExists(t, cfg.Sandbox.LocalRoot)
	assert.DirExists(t, cfg.Journal.Dir)
	assert.Equal(t, "local", k.Sandboxes.Provider().Name())
}

func TestNewKernelRejectsMissingPolicy(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Policy.File = filepath.Join(t.TempDir(), "missing.rego")

	_, err := NewKernel(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNewSandboxProviderUnknown(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Sandbox.Provider = "firecracker"
	_, err := NewSandboxProvider(cfg)
	assert.Error(t, err)
}

func TestStartTwiceFails(t *testing.T) {
	k, err := NewKernel(context.Background(), createTestConfig(t))
	require.NoError(t, err)
	defer func() { _ = k.Stop(context.Background()) }()

	require.NoError(t, k.Start())
	assert.Error(t, k.Start())
}

func TestStartResumesUnfinishedRuns(t *testing.T) {
	cfg := createTestConfig(t)

	// First process queues a run and stops before any worker starts.
	k, err := NewKernel(context.Background(), cfg)
	require.NoError(t, err)
	run, err := k.Runner.Submit(context.Background(), proto.RunRequest{ProjectID: "proj", PromptValue: "build"})
	require.NoError(t, err)
	require.NoError(t, k.Stop(context.Background()))

	// The next process picks it up. Without model credentials the run fails permanently
	// and the failure notice is persisted.
	t.Setenv(cfg.APIKeyName(), "")
	k, err = NewKernel(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = k.Stop(context.Background()) }()
	require.NoError(t, k.Start())

	require.Eventually(t, func() bool {
		got, err := k.Runner.Get(context.Background(), run.ID)
		return err == nil && proto.RunStatus(got.Status).IsTerminal()
	}, 10*time.Second, 20*time.Millisecond)
}

func TestStartWebUIServesHealth(t *testing.T) {
	cfg := createTestConfig(t)
	k, err := NewKernel(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, k.Start())
	k.StartWebUI()

	url := "http://" + cfg.Server.Addr + "/healthz"
	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // test probe
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, body, `"status":"ok"`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, k.Stop(ctx))
	assert.NoError(t, <-k.WebErrors())
}

func TestStopKillsFinishedSandboxesOnly(t *testing.T) {
	ctx := context.Background()
	k, err := NewKernel(ctx, createTestConfig(t))
	require.NoError(t, err)
	require.NoError(t, k.Start())

	done, err := k.Sandboxes.Create(ctx, "run-done", "node:20")
	require.NoError(t, err)
	inFlight, err := k.Sandboxes.Create(ctx, "run-in-flight", "node:20")
	require.NoError(t, err)
	k.Sandboxes.Finish("run-done")

	require.NoError(t, k.Stop(ctx))

	provider := k.Sandboxes.Provider()
	_, err = provider.Connect(ctx, done)
	assert.Error(t, err)
	_, err = provider.Connect(ctx, inFlight)
	assert.NoError(t, err)
}
