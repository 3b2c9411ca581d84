// Package eventlog journals orchestration events to daily rotated JSONL files.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"appbuilder/pkg/logx"
)

// ErrClosed is returned by writes made after Close.
var ErrClosed = errors.New("event log is closed")

// Kind names an event category.
type Kind string

const (
	KindRunStarted   Kind = "run_started"
	KindRunFinished  Kind = "run_finished"
	KindRunRetry     Kind = "run_retry"
	KindStepExecuted Kind = "step_executed"
	KindStepReplayed Kind = "step_replayed"
	KindStepFailed   Kind = "step_failed"
	KindToolInvoked  Kind = "tool_invoked"
	KindTurn         Kind = "turn"
	KindSummarySet   Kind = "summary_set"
	KindHalt         Kind = "halt"
)

// Event is one journal line.
type Event struct {
	Timestamp time.Time `json:"ts"`
	RunID     string    `json:"run_id"`
	Kind      Kind      `json:"kind"`
	Step      string    `json:"step,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Sink receives events. Emit never fails the caller.
type Sink interface {
	Emit(ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(Event) {}

// Writer appends events to events-YYYY-MM-DD.jsonl in logDir, rotating daily.
type Writer struct {
	logDir      string
	currentFile *os.File
	currentDate string
	logger      *logx.Logger
	mu          sync.Mutex
	closed      bool
}

// NewWriter opens (creating if needed) the journal directory.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	w := &Writer{logDir: logDir, logger: logx.NewLogger("eventlog")}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize event log file: %w", err)
	}
	return w, nil
}

// Emit writes ev, logging instead of returning write failures.
func (w *Writer) Emit(ev Event) {
	if err := w.WriteEvent(ev); err != nil {
		w.logger.Warn("dropping %s event for run %s: %v", ev.Kind, ev.RunID, err)
	}
}

// WriteEvent appends one JSON line and syncs it to disk.
func (w *Writer) WriteEvent(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate event log: %w", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.currentFile.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync event log: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded() error {
	newDate := time.Now().Format("2006-01-02")
	if w.currentFile != nil && w.currentDate == newDate {
		return nil
	}

	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current event log: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", newDate))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log %s: %w", path, err)
	}
	w.currentFile = file
	w.currentDate = newDate
	return nil
}

// Close closes the active file. Later writes fail with ErrClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	if w.currentFile == nil {
		return nil
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	if err != nil {
		return fmt.Errorf("failed to close event log file: %w", err)
	}
	return nil
}

// CurrentLogFile returns the path of the active file, or "" once closed.
func (w *Writer) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", w.currentDate))
}

// ReadEvents parses every line of one journal file.
func ReadEvents(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	var events []Event
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan event log: %w", err)
	}
	return events, nil
}

// ListLogFiles returns journal files in logDir, oldest first.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list event logs: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// RunEvents collects the events of one run across all journal files.
func RunEvents(logDir, runID string) ([]Event, error) {
	files, err := ListLogFiles(logDir)
	if err != nil {
		return nil, err
	}

	var out []Event
	for _, f := range files {
		events, err := ReadEvents(f)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if ev.RunID == runID {
				out = append(out, ev)
			}
		}
	}
	return out, nil
}
