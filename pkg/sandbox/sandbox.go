// Package sandbox manages ephemeral execution environments: create, reconnect by handle,
// run shell commands with streamed output, and read or write files.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrSandboxUnavailable means the handle is stale or the environment has terminated.
	ErrSandboxUnavailable = errors.New("sandbox unavailable")

	// ErrFileNotFound is returned by ReadFile for a missing path.
	ErrFileNotFound = errors.New("file not found")

	// ErrNotOwner is returned when a run touches a sandbox created by another run.
	ErrNotOwner = errors.New("sandbox owned by another run")
)

// ConnectError reports a failed lookup of a sandbox handle.
type ConnectError struct {
	Err    error
	Handle string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("sandbox %s unavailable: %v", e.Handle, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrSandboxUnavailable) match any ConnectError.
func (e *ConnectError) Is(target error) bool {
	return target == ErrSandboxUnavailable
}

// Stream identifies which output a streamed chunk came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// OutputFunc receives command output as it is produced. It may be nil.
type OutputFunc func(stream Stream, chunk string)

// CommandResult is the outcome of a command. A non-zero ExitCode is normal output, not an error.
type CommandResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// CreateOptions tune sandbox creation.
type CreateOptions struct {
	// Name makes creation idempotent per name: an existing sandbox with the same name is replaced.
	Name string
	Env  []string
}

// Provider creates sandboxes and reconnects to them by handle.
type Provider interface {
	Create(ctx context.Context, template string, opts CreateOptions) (string, error)
	// Connect is a stateless lookup. It may be called any number of times while the sandbox lives.
	Connect(ctx context.Context, handle string) (Session, error)
	Kill(ctx context.Context, handle string) error
	Name() string
}

// Session operates on one live sandbox.
type Session interface {
	Handle() string
	RunCommand(ctx context.Context, command string, onOutput OutputFunc) (CommandResult, error)
	WriteFile(ctx context.Context, path, content string) error
	ReadFile(ctx context.Context, path string) (string, error)
	// Host returns the externally reachable host:port for a port inside the sandbox.
	Host(ctx context.Context, port int) (string, error)
}

// isBackground reports whether command ends with a lone "&" and returns it without the marker.
func isBackground(command string) (string, bool) {
	trimmed := strings.TrimSpace(command)
	if strings.HasSuffix(trimmed, "&") && !strings.HasSuffix(trimmed, "&&") {
		return strings.TrimSpace(strings.TrimSuffix(trimmed, "&")), true
	}
	return trimmed, false
}
