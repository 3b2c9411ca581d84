package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsBackground(t *testing.T) {
	tests := []struct {
		command    string
		want       string
		background bool
	}{
		{"npm run dev &", "npm run dev", true},
		{"  npm run dev &  ", "npm run dev", true},
		{"npm install && npm test", "npm install && npm test", false},
		{"npm install", "npm install", false},
	}
	for _, tt := range tests {
		got, bg := isBackground(tt.command)
		assert.Equal(t, tt.want, got, tt.command)
		assert.Equal(t, tt.background, bg, tt.command)
	}
}

func TestConnectErrorMatchesUnavailable(t *testing.T) {
	err := &ConnectError{Handle: "abc", Err: errors.New("gone")}
	assert.ErrorIs(t, err, ErrSandboxUnavailable)
	assert.Contains(t, err.Error(), "abc")
}

func newLocal(t *testing.T) *LocalProvider {
	t.Helper()
	return NewLocalProvider(t.TempDir(), "/home/user")
}

func TestLocalProviderLifecycle(t *testing.T) {
	ctx := context.Background()
	p := newLocal(t)

	handle, err := p.Create(ctx, "node:20", CreateOptions{Name: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, "appbuilder-run-1", handle)

	session, err := p.Connect(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, handle, session.Handle())

	// Absolute paths under the work dir and relative paths refer to the same file.
	require.NoError(t, session.WriteFile(ctx, "/home/user/app/page.tsx", "hello"))
	content, err := session.ReadFile(ctx, "app/page.tsx")
	require.NoError(t, err)
	assert.Equal(t, "hello", content)

	_, err = session.ReadFile(ctx, "missing.txt")
	assert.ErrorIs(t, err, ErrFileNotFound)

	host, err := session.Host(ctx, 3000)
	require.NoError(t, err)
	assert.Equal(t, "localhost:3000", host)

	require.NoError(t, p.Kill(ctx, handle))
	_, err = p.Connect(ctx, handle)
	assert.ErrorIs(t, err, ErrSandboxUnavailable)
	_, err = session.ReadFile(ctx, "app/page.tsx")
	assert.ErrorIs(t, err, ErrSandboxUnavailable)
}

func TestLocalPathsStayInsideSandbox(t *testing.T) {
	ctx := context.Background()
	p := newLocal(t)
	handle, err := p.Create(ctx, "", CreateOptions{Name: "escape"})
	require.NoError(t, err)
	session, err := p.Connect(ctx, handle)
	require.NoError(t, err)

	require.NoError(t, session.WriteFile(ctx, "../../outside.txt", "x"))
	content, err := session.ReadFile(ctx, "outside.txt")
	require.NoError(t, err)
	assert.Equal(t, "x", content)
}

func TestLocalRunCommandStreams(t *testing.T) {
	ctx := context.Background()
	p := newLocal(t)
	handle, err := p.Create(ctx, "", CreateOptions{Name: "cmd"})
	require.NoError(t, err)
	session, err := p.Connect(ctx, handle)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := map[Stream]string{}
	result, err := session.RunCommand(ctx, "echo out; echo err 1>&2; exit 3", func(s Stream, chunk string) {
		mu.Lock()
		defer mu.Unlock()
		seen[s] += chunk
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "out\n", result.Stdout)
	assert.Equal(t, "err\n", result.Stderr)
	assert.Equal(t, "out\n", seen[Stdout])
	assert.Equal(t, "err\n", seen[Stderr])
}

func TestLocalRunCommandBackgroundReturnsImmediately(t *testing.T) {
	ctx := context.Background()
	p := newLocal(t)
	handle, err := p.Create(ctx, "", CreateOptions{Name: "bg"})
	require.NoError(t, err)
	session, err := p.Connect(ctx, handle)
	require.NoError(t, err)

	result, err := session.RunCommand(ctx, "sleep 30 &", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Less(t, result.Duration.Seconds(), 5.0)
}

func TestLocalCreateReplacesSameName(t *testing.T) {
	ctx := context.Background()
	p := newLocal(t)
	handle, err := p.Create(ctx, "", CreateOptions{Name: "same"})
	require.NoError(t, err)
	session, err := p.Connect(ctx, handle)
	require.NoError(t, err)
	require.NoError(t, session.WriteFile(ctx, "stale.txt", "old"))

	again, err := p.Create(ctx, "", CreateOptions{Name: "same"})
	require.NoError(t, err)
	assert.Equal(t, handle, again)
	_, err = session.ReadFile(ctx, "stale.txt")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestManagerOwnership(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newLocal(t))

	handle, err := m.Create(ctx, "run-a", "node:20")
	require.NoError(t, err)

	_, err = m.Connect(ctx, "run-a", handle)
	require.NoError(t, err)

	_, err = m.Connect(ctx, "run-b", handle)
	require.ErrorIs(t, err, ErrNotOwner)
	assert.True(t, strings.Contains(err.Error(), "run-a"))

	active := m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "run-a", active[0].RunID)

	require.NoError(t, m.Release(ctx, "run-a", true))
	assert.Empty(t, m.Active())
	_, err = m.Connect(ctx, "run-a", handle)
	assert.ErrorIs(t, err, ErrSandboxUnavailable)
}

func TestManagerAdoptsUnknownHandle(t *testing.T) {
	ctx := context.Background()
	p := newLocal(t)
	handle, err := p.Create(ctx, "", CreateOptions{Name: "run-c"})
	require.NoError(t, err)

	// A fresh manager has no record, as after a process restart.
	m := NewManager(p)
	_, err = m.Connect(ctx, "run-c", handle)
	require.NoError(t, err)

	_, err = m.Connect(ctx, "run-d", handle)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestManagerStaleUsesLastUsed(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newLocal(t))

	handle, err := m.Create(ctx, "run-a", "node:20")
	require.NoError(t, err)
	assert.Empty(t, m.Stale(time.Hour))
	require.Len(t, m.Stale(0), 1)

	m.mu.Lock()
	m.sandboxes[handle].LastUsed = time.Now().Add(-2 * time.Hour)
	m.mu.Unlock()
	require.Len(t, m.Stale(time.Hour), 1)

	// Reconnecting counts as use.
	_, err = m.Connect(ctx, "run-a", handle)
	require.NoError(t, err)
	assert.Empty(t, m.Stale(time.Hour))
}

func TestManagerCleanupRoutineKillsIdleSandboxes(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newLocal(t))

	idle, err := m.Create(ctx, "run-idle", "node:20")
	require.NoError(t, err)
	busy, err := m.Create(ctx, "run-busy", "node:20")
	require.NoError(t, err)

	m.mu.Lock()
	m.sandboxes[idle].LastUsed = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	m.StartCleanupRoutine(ctx, 10*time.Millisecond, 30*time.Minute)
	require.Eventually(t, func() bool {
		return len(m.Active()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	m.Shutdown()
	m.Shutdown()

	active := m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, busy, active[0].Handle)
	_, err = m.Provider().Connect(ctx, idle)
	assert.ErrorIs(t, err, ErrSandboxUnavailable)
}

func TestManagerCleanupDisabled(t *testing.T) {
	m := NewManager(newLocal(t))
	m.StartCleanupRoutine(context.Background(), 0, time.Minute)
	m.Shutdown()
}

func TestManagerStopFinishedKeepsInFlightRuns(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newLocal(t))

	done, err := m.Create(ctx, "run-done", "node:20")
	require.NoError(t, err)
	running, err := m.Create(ctx, "run-running", "node:20")
	require.NoError(t, err)

	m.mu.Lock()
	m.sandboxes[done].LastUsed = time.Now().Add(-time.Hour)
	m.mu.Unlock()
	m.Finish("run-done")
	// Finishing restarts the idle clock for the preview.
	assert.Empty(t, m.Stale(time.Minute))

	require.NoError(t, m.StopFinished(ctx))
	active := m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, running, active[0].Handle)
	assert.False(t, active[0].Finished)

	_, err = m.Provider().Connect(ctx, done)
	assert.ErrorIs(t, err, ErrSandboxUnavailable)
	_, err = m.Connect(ctx, "run-running", running)
	assert.NoError(t, err)
}
