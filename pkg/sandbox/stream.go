package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// runStreaming starts cmd, forwards stdout and stderr line by line to onOutput while
// accumulating both, and waits for exit. A non-zero exit is reported in ExitCode, not as an error.
func runStreaming(cmd *exec.Cmd, onOutput OutputFunc) (CommandResult, error) {
	start := time.Now()

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return CommandResult{}, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return CommandResult{}, fmt.Errorf("failed to open stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return CommandResult{ExitCode: -1}, fmt.Errorf("failed to start command: %w", err)
	}

	var stdout, stderr strings.Builder
	var g errgroup.Group
	g.Go(func() error { return pump(stdoutPipe, Stdout, &stdout, onOutput) })
	g.Go(func() error { return pump(stderrPipe, Stderr, &stderr, onOutput) })
	pumpErr := g.Wait()

	waitErr := cmd.Wait()
	result := CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = -1
		return result, fmt.Errorf("command did not complete: %w", waitErr)
	}
	if pumpErr != nil {
		return result, fmt.Errorf("failed to read command output: %w", pumpErr)
	}
	return result, nil
}

func pump(r io.Reader, stream Stream, sink *strings.Builder, onOutput OutputFunc) error {
	reader := bufio.NewReader(r)
	for {
		chunk, err := reader.ReadString('\n')
		if chunk != "" {
			sink.WriteString(chunk)
			if onOutput != nil {
				onOutput(stream, chunk)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ctxErr turns a command failure caused by cancellation into the context error.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
