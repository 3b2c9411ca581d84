package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"appbuilder/pkg/logx"
	"appbuilder/pkg/utils"
)

const (
	dockerCommand   = "docker"
	podmanCommand   = "podman"
	containerPrefix = "appbuilder-"
	sandboxLabel    = "appbuilder.sandbox=1"
)

// DockerConfig configures the container backend.
type DockerConfig struct {
	Command string // empty = auto-detect docker, falling back to podman
	WorkDir string
	CPUs    string
	Memory  string
	AppPort int
}

// DockerProvider runs each sandbox as a long-lived container driven through the docker CLI.
type DockerProvider struct {
	logger    *logx.Logger
	dockerCmd string
	workDir   string
	cpus      string
	memory    string
	appPort   int
}

// NewDockerProvider creates a provider. Containers publish AppPort on a random loopback port.
func NewDockerProvider(cfg DockerConfig) *DockerProvider {
	dockerCmd := cfg.Command
	if dockerCmd == "" {
		dockerCmd = dockerCommand
		if _, err := exec.LookPath(podmanCommand); err == nil {
			if _, err := exec.LookPath(dockerCommand); err != nil {
				dockerCmd = podmanCommand
			}
		}
	}
	return &DockerProvider{
		logger:    logx.NewLogger("docker"),
		dockerCmd: dockerCmd,
		workDir:   cfg.WorkDir,
		cpus:      cfg.CPUs,
		memory:    cfg.Memory,
		appPort:   cfg.AppPort,
	}
}

func (d *DockerProvider) Name() string { return "docker" }

// Available checks that the CLI exists and the daemon answers.
func (d *DockerProvider) Available(ctx context.Context) bool {
	if _, err := exec.LookPath(d.dockerCmd); err != nil {
		d.logger.Debug("Docker command not found: %v", err)
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, d.dockerCmd, "ps", "-q").Run(); err != nil {
		d.logger.Debug("Docker daemon not available: %v", err)
		return false
	}
	return true
}

// Create starts a container from template. A container left over under the same name is replaced.
func (d *DockerProvider) Create(ctx context.Context, template string, opts CreateOptions) (string, error) {
	name := opts.Name
	if name == "" {
		name = uuid.New().String()
	}
	containerName := containerPrefix + utils.SanitizeContainerName(name)

	if err := exec.CommandContext(ctx, d.dockerCmd, "rm", "-f", containerName).Run(); err != nil {
		d.logger.Debug("Failed to remove existing container %s (normal if absent): %v", containerName, err)
	}

	args := []string{
		"run", "-d",
		"--name", containerName,
		"--label", sandboxLabel,
		"--security-opt", "no-new-privileges",
	}
	if d.cpus != "" {
		args = append(args, "--cpus", d.cpus)
	}
	if d.memory != "" {
		args = append(args, "--memory", d.memory)
	}
	if d.workDir != "" {
		args = append(args, "--workdir", d.workDir)
	}
	if d.appPort > 0 {
		args = append(args, "--publish", fmt.Sprintf("127.0.0.1::%d", d.appPort))
	}
	for _, env := range opts.Env {
		args = append(args, "--env", env)
	}
	args = append(args, template, "sleep", "infinity")

	d.logger.Info("Starting container: %s %s", d.dockerCmd, strings.Join(args, " "))
	output, err := exec.CommandContext(ctx, d.dockerCmd, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("failed to start container %s: %w\nOutput: %s", containerName, ctxErr(ctx, err), strings.TrimSpace(string(output)))
	}

	d.logger.Info("Started container %s with ID: %s", containerName, shortID(strings.TrimSpace(string(output))))
	return containerName, nil
}

// Connect verifies the container is running.
func (d *DockerProvider) Connect(ctx context.Context, handle string) (Session, error) {
	output, err := exec.CommandContext(ctx, d.dockerCmd, "inspect", "-f", "{{.State.Running}}", handle).CombinedOutput()
	if err != nil {
		return nil, &ConnectError{Handle: handle, Err: fmt.Errorf("inspect failed: %w: %s", ctxErr(ctx, err), strings.TrimSpace(string(output)))}
	}
	if strings.TrimSpace(string(output)) != "true" {
		return nil, &ConnectError{Handle: handle, Err: fmt.Errorf("container is not running")}
	}
	return &dockerSession{provider: d, name: handle}, nil
}

// Kill stops and removes the container.
func (d *DockerProvider) Kill(ctx context.Context, handle string) error {
	if output, err := exec.CommandContext(ctx, d.dockerCmd, "rm", "-f", handle).CombinedOutput(); err != nil {
		return fmt.Errorf("failed to remove container %s: %w: %s", handle, err, strings.TrimSpace(string(output)))
	}
	d.logger.Info("Container %s removed", handle)
	return nil
}

type dockerSession struct {
	provider *DockerProvider
	name     string
}

func (s *dockerSession) Handle() string { return s.name }

func (s *dockerSession) execArgs(extra ...string) []string {
	args := []string{"exec"}
	if s.provider.workDir != "" {
		args = append(args, "--workdir", s.provider.workDir)
	}
	args = append(args, extra...)
	return args
}

// gone reports whether docker exec failed because the container disappeared.
func gone(stderr string) bool {
	return strings.Contains(stderr, "No such container") || strings.Contains(stderr, "is not running")
}

func (s *dockerSession) RunCommand(ctx context.Context, command string, onOutput OutputFunc) (CommandResult, error) {
	d := s.provider

	if fg, background := isBackground(command); background {
		args := append(s.execArgs("-d", s.name), "sh", "-c", fg)
		output, err := exec.CommandContext(ctx, d.dockerCmd, args...).CombinedOutput()
		if err != nil {
			if gone(string(output)) {
				return CommandResult{}, &ConnectError{Handle: s.name, Err: fmt.Errorf("%s", strings.TrimSpace(string(output)))}
			}
			return CommandResult{}, fmt.Errorf("failed to start background command: %w", ctxErr(ctx, err))
		}
		d.logger.Info("Started background command in %s: %s", s.name, fg)
		return CommandResult{}, nil
	}

	args := append(s.execArgs("-i", s.name), "sh", "-c", command)
	result, err := runStreaming(exec.CommandContext(ctx, d.dockerCmd, args...), onOutput)
	if err != nil {
		return result, ctxErr(ctx, err)
	}
	if result.ExitCode != 0 && gone(result.Stderr) {
		return result, &ConnectError{Handle: s.name, Err: fmt.Errorf("%s", strings.TrimSpace(result.Stderr))}
	}
	d.logger.Debug("Command in %s exited %d after %v (stdout %s, stderr %s)", s.name, result.ExitCode, result.Duration,
		humanize.Bytes(uint64(len(result.Stdout))), humanize.Bytes(uint64(len(result.Stderr))))
	return result, nil
}

func (s *dockerSession) WriteFile(ctx context.Context, filePath, content string) error {
	d := s.provider
	script := `mkdir -p "$(dirname "$1")" && cat > "$1"`
	args := append(s.execArgs("-i", s.name), "sh", "-c", script, "sh", filePath)

	cmd := exec.CommandContext(ctx, d.dockerCmd, args...)
	cmd.Stdin = strings.NewReader(content)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if gone(string(output)) {
			return &ConnectError{Handle: s.name, Err: fmt.Errorf("%s", strings.TrimSpace(string(output)))}
		}
		return fmt.Errorf("failed to write %s: %w: %s", filePath, ctxErr(ctx, err), strings.TrimSpace(string(output)))
	}
	d.logger.Debug("Wrote %s to %s:%s", humanize.Bytes(uint64(len(content))), s.name, filePath)
	return nil
}

func (s *dockerSession) ReadFile(ctx context.Context, filePath string) (string, error) {
	d := s.provider
	args := append(s.execArgs(s.name), "cat", "--", filePath)

	var stdout, stderr strings.Builder
	cmd := exec.CommandContext(ctx, d.dockerCmd, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		switch {
		case gone(msg):
			return "", &ConnectError{Handle: s.name, Err: fmt.Errorf("%s", msg)}
		case strings.Contains(msg, "No such file"):
			return "", fmt.Errorf("%s: %w", path.Clean(filePath), ErrFileNotFound)
		default:
			return "", fmt.Errorf("failed to read %s: %w: %s", filePath, ctxErr(ctx, err), msg)
		}
	}
	return stdout.String(), nil
}

// Host resolves the loopback address docker published for port.
func (s *dockerSession) Host(ctx context.Context, port int) (string, error) {
	output, err := exec.CommandContext(ctx, s.provider.dockerCmd, "port", s.name, strconv.Itoa(port)+"/tcp").CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(output))
		if gone(msg) {
			return "", &ConnectError{Handle: s.name, Err: fmt.Errorf("%s", msg)}
		}
		return "", fmt.Errorf("port %d of %s is not published: %w: %s", port, s.name, err, msg)
	}
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// docker prints 0.0.0.0:49153 or 127.0.0.1:49153
		if i := strings.LastIndex(line, ":"); i >= 0 {
			return "localhost" + line[i:], nil
		}
	}
	return "", fmt.Errorf("port %d of %s is not published", port, s.name)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
