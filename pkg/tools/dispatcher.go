package tools

import (
	"context"
	"fmt"

	"appbuilder/pkg/durable"
	"appbuilder/pkg/eventlog"
	"appbuilder/pkg/logx"
	"appbuilder/pkg/metrics"
	"appbuilder/pkg/proto"
	"appbuilder/pkg/utils"
)

// Call is one tool invocation requested by the model.
type Call struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Result is what the model sees for a call. IsError marks failure text.
type Result struct {
	Content string
	IsError bool
}

// FileMerger receives the files written by a tool.
type FileMerger interface {
	MergeFiles(files []proto.File)
}

// Dispatcher validates tool calls and executes each one as a durable step named after the tool.
type Dispatcher struct {
	provider *ToolProvider
	files    FileMerger
	events   eventlog.Sink
	recorder metrics.Recorder
	logger   *logx.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithEvents records tool invocations in the event journal.
func WithEvents(sink eventlog.Sink) DispatcherOption {
	return func(d *Dispatcher) { d.events = sink }
}

// WithRecorder reports tool outcomes to metrics.
func WithRecorder(r metrics.Recorder) DispatcherOption {
	return func(d *Dispatcher) { d.recorder = r }
}

// NewDispatcher creates a dispatcher over the tools of provider. Written files are merged into files.
func NewDispatcher(provider *ToolProvider, files FileMerger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		provider: provider,
		files:    files,
		events:   eventlog.Nop{},
		recorder: metrics.Nop(),
		logger:   logx.NewLogger("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Definitions returns the definitions of the available tools.
func (d *Dispatcher) Definitions() []ToolDefinition {
	metas := d.provider.List()
	defs := make([]ToolDefinition, len(metas))
	for i := range metas {
		defs[i] = metas[i].Definition()
	}
	return defs
}

// Dispatch runs call and returns the text for the model. Tool failures, invalid arguments and
// unknown tools are all reported in the Result. An error is returned only when the step itself
// could not be resolved (cancellation or a journal failure), and the run should stop.
func (d *Dispatcher) Dispatch(ctx context.Context, ex *durable.Executor, call Call) (Result, error) {
	tool, err := d.provider.Get(call.Name)
	if err != nil {
		d.observe(ex, call.Name, metrics.ToolInvalid, err.Error())
		return Result{Content: errorPrefix + err.Error(), IsError: true}, nil
	}

	if err := d.validate(tool, call.Arguments); err != nil {
		d.observe(ex, call.Name, metrics.ToolInvalid, err.Error())
		return Result{Content: errorPrefix + err.Error(), IsError: true}, nil
	}

	out, err := durable.Step(ctx, ex, call.Name, func(ctx context.Context) (ExecResult, error) {
		res, err := tool.Exec(ctx, call.Arguments)
		// Interrupted work is retried on replay rather than memoized as a failure.
		if ctx.Err() != nil {
			return ExecResult{}, ctx.Err()
		}
		if err != nil {
			return ExecResult{Content: errorPrefix + err.Error(), Status: metrics.ToolError}, nil
		}
		return *res, nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("tool %s: %w", call.Name, err)
	}

	// Applied after the step so replays rebuild the file set from the journal.
	if len(out.Files) > 0 && d.files != nil {
		d.files.MergeFiles(out.Files)
	}

	d.observe(ex, call.Name, out.Status, utils.Preview(out.Content, 200))
	return Result{Content: out.Content, IsError: out.Status != metrics.ToolOK}, nil
}

func (d *Dispatcher) validate(tool Tool, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	if err := tool.Definition().InputSchema.Validate(tool.Name(), args); err != nil {
		return err
	}
	if checker, ok := tool.(ArgumentChecker); ok {
		return checker.CheckArgs(args)
	}
	return nil
}

func (d *Dispatcher) observe(ex *durable.Executor, name, status, detail string) {
	if status == "" {
		status = metrics.ToolOK
	}
	d.recorder.ObserveTool(name, status)
	d.events.Emit(eventlog.Event{RunID: ex.RunID(), Kind: eventlog.KindToolInvoked, Step: name, Detail: status + ": " + detail})

	if status == metrics.ToolOK {
		d.logger.Debug("Tool %s ok", name)
		return
	}
	d.logger.Info("Tool %s returned %s: %s", name, status, utils.Preview(detail, 120))
}
