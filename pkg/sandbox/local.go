package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"appbuilder/pkg/logx"
	"appbuilder/pkg/utils"
)

// LocalProvider runs each sandbox as a directory on the host, executing commands with sh.
// It offers no isolation and exists for development and tests.
type LocalProvider struct {
	logger  *logx.Logger
	root    string
	workDir string // in-sandbox path prefix mapped onto the sandbox directory
}

// NewLocalProvider creates sandboxes under root. Absolute paths starting with workDir
// are mapped into the sandbox directory.
func NewLocalProvider(root, workDir string) *LocalProvider {
	return &LocalProvider{logger: logx.NewLogger("local-sandbox"), root: root, workDir: workDir}
}

func (l *LocalProvider) Name() string { return "local" }

// Create makes a fresh sandbox directory. The template is recorded but not materialized.
func (l *LocalProvider) Create(_ context.Context, template string, opts CreateOptions) (string, error) {
	name := opts.Name
	if name == "" {
		name = uuid.New().String()
	}
	handle := containerPrefix + utils.SanitizeContainerName(name)
	dir := filepath.Join(l.root, handle)

	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to reset sandbox directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create sandbox directory: %w", err)
	}
	l.logger.Info("Created local sandbox %s (template %s) at %s", handle, template, dir)
	return handle, nil
}

func (l *LocalProvider) Connect(_ context.Context, handle string) (Session, error) {
	if handle == "" || strings.ContainsAny(handle, `/\`) {
		return nil, &ConnectError{Handle: handle, Err: fmt.Errorf("invalid handle")}
	}
	dir := filepath.Join(l.root, handle)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, &ConnectError{Handle: handle, Err: fmt.Errorf("sandbox directory missing")}
	}
	return &localSession{provider: l, handle: handle, dir: dir}, nil
}

func (l *LocalProvider) Kill(_ context.Context, handle string) error {
	if err := os.RemoveAll(filepath.Join(l.root, handle)); err != nil {
		return fmt.Errorf("failed to remove sandbox %s: %w", handle, err)
	}
	return nil
}

type localSession struct {
	provider *LocalProvider
	handle   string
	dir      string
}

func (s *localSession) Handle() string { return s.handle }

func (s *localSession) alive() error {
	if _, err := os.Stat(s.dir); err != nil {
		return &ConnectError{Handle: s.handle, Err: fmt.Errorf("sandbox directory missing")}
	}
	return nil
}

// resolve maps a sandbox path onto the host directory without escaping it.
func (s *localSession) resolve(p string) string {
	if wd := s.provider.workDir; wd != "" && filepath.IsAbs(p) {
		if rel, err := filepath.Rel(wd, p); err == nil && !strings.HasPrefix(rel, "..") {
			p = rel
		}
	}
	return filepath.Join(s.dir, filepath.Clean("/"+p))
}

func (s *localSession) RunCommand(ctx context.Context, command string, onOutput OutputFunc) (CommandResult, error) {
	if err := s.alive(); err != nil {
		return CommandResult{}, err
	}

	if fg, background := isBackground(command); background {
		cmd := exec.Command("sh", "-c", fg)
		cmd.Dir = s.dir
		if err := cmd.Start(); err != nil {
			return CommandResult{}, fmt.Errorf("failed to start background command: %w", err)
		}
		go func() { _ = cmd.Wait() }()
		s.provider.logger.Info("Started background command in %s (pid %d): %s", s.handle, cmd.Process.Pid, fg)
		return CommandResult{}, nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.dir
	result, err := runStreaming(cmd, onOutput)
	if err != nil || ctx.Err() != nil {
		return result, ctxErr(ctx, err)
	}
	return result, nil
}

func (s *localSession) WriteFile(_ context.Context, p, content string) error {
	if err := s.alive(); err != nil {
		return err
	}
	target := s.resolve(p)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", p, err)
	}
	if err := os.WriteFile(target, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	s.provider.logger.Debug("Wrote %s to %s:%s", humanize.Bytes(uint64(len(content))), s.handle, p)
	return nil
}

func (s *localSession) ReadFile(_ context.Context, p string) (string, error) {
	if err := s.alive(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.resolve(p))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", p, ErrFileNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", p, err)
	}
	return string(data), nil
}

func (s *localSession) Host(_ context.Context, port int) (string, error) {
	if err := s.alive(); err != nil {
		return "", err
	}
	return "localhost:" + strconv.Itoa(port), nil
}
