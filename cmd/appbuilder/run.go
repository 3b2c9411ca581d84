package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"appbuilder/internal/kernel"
	"appbuilder/pkg/config"
	"appbuilder/pkg/eventlog"
	"appbuilder/pkg/persistence"
	"appbuilder/pkg/proto"
	"appbuilder/pkg/runner"
)

const pollInterval = 500 * time.Millisecond

// runOnce submits a single prompt, waits for its run to finish and prints the outcome.
func runOnce(ctx context.Context, cfg *config.Config, projectID, prompt string, out io.Writer) error {
	if err := loadSecrets(cfg); err != nil {
		return err
	}

	k, err := kernel.NewKernel(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = k.Stop(shutdownCtx)
	}()

	if _, err := k.Conversation.CreateUserMessage(ctx, projectID, prompt); err != nil {
		return err
	}
	if err := k.Start(); err != nil {
		return err
	}

	run, err := k.Runner.Submit(ctx, proto.RunRequest{ProjectID: projectID, PromptValue: prompt})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "⏳ Run %s started\n", run.ID)

	run, err = waitForRun(ctx, k.Runner, run.ID)
	if err != nil {
		return err
	}

	msgs, err := k.Conversation.ListMessagesWithFragments(ctx, projectID)
	if err != nil {
		return err
	}
	return printOutcome(out, run, persistence.OutcomeMessageID(run.ID), msgs)
}

func waitForRun(ctx context.Context, runs *runner.Service, runID string) (*persistence.Run, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		run, err := runs.Get(ctx, runID)
		if err != nil {
			return nil, err
		}
		if proto.RunStatus(run.Status).IsTerminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("run %s interrupted, it resumes on next start: %w", runID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// printOutcome writes the run's assistant message and, on success, its fragment.
func printOutcome(out io.Writer, run *persistence.Run, outcomeID string, msgs []*persistence.MessageWithFragment) error {
	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	var outcome *persistence.MessageWithFragment
	for _, m := range msgs {
		if m.ID == outcomeID {
			outcome = m
		}
	}
	if outcome == nil {
		return fmt.Errorf("run %s finished as %s without an outcome message", run.ID, run.Status)
	}

	if outcome.Type == string(proto.MessageTypeError) {
		fmt.Fprintf(out, "%s %s\n", red("✗"), outcome.Content)
		if run.LastError != "" {
			fmt.Fprintf(out, "  last error: %s\n", run.LastError)
		}
		return nil
	}

	fmt.Fprintf(out, "%s %s\n", green("✓"), outcome.Content)
	if f := outcome.Fragment; f != nil {
		fmt.Fprintf(out, "  %s %s\n", bold("title:"), f.Title)
		fmt.Fprintf(out, "  %s %s\n", bold("url:"), f.SandboxURL)

		files := proto.NewFileSet()
		if err := json.Unmarshal([]byte(f.Files), files); err != nil {
			return fmt.Errorf("failed to decode fragment files: %w", err)
		}
		for _, file := range files.Files() {
			fmt.Fprintf(out, "  • %s (%s)\n", file.Path, humanize.Bytes(uint64(len(file.Content))))
		}
	}
	fmt.Fprintf(out, "  finished after %d attempt(s)\n", run.Attempts)
	return nil
}

// printEvents prints a run's journal, oldest first.
func printEvents(cfg *config.Config, runID string, out io.Writer) error {
	events, err := eventlog.RunEvents(cfg.Journal.Dir, runID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("no events recorded for run %s", runID)
	}

	kind := color.New(color.FgCyan).SprintFunc()
	failed := color.New(color.FgRed).SprintFunc()
	for _, ev := range events {
		k := kind(string(ev.Kind))
		if ev.Kind == eventlog.KindStepFailed {
			k = failed(string(ev.Kind))
		}
		line := fmt.Sprintf("%s %-14s", ev.Timestamp.Format(time.RFC3339), k)
		if ev.Step != "" {
			line += " " + ev.Step
		}
		if ev.Detail != "" {
			line += " " + ev.Detail
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
