package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"appbuilder/pkg/logx"
	"appbuilder/pkg/metrics"
	"appbuilder/pkg/proto"
)

//nolint:gochecknoinits // Tools self-register with the global registry
func init() {
	Register(ToolCreateOrUpdateFiles, func(ctx AgentContext) (Tool, error) {
		return NewWriteFilesTool(ctx.Sessions), nil
	}, &writeFilesMeta)
	Register(ToolReadFiles, func(ctx AgentContext) (Tool, error) {
		return NewReadFilesTool(ctx.Sessions), nil
	}, &readFilesMeta)
}

//nolint:gochecknoglobals // Static tool metadata
var (
	writeFilesMeta = ToolMeta{
		Name:        ToolCreateOrUpdateFiles,
		Description: "Create or update files in the sandbox",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"files": {
					Type:        "array",
					Description: "Files to write. Existing files are overwritten.",
					Items: &Property{
						Type: "object",
						Properties: map[string]Property{
							"path":    {Type: "string", Description: "File path, relative to the app directory"},
							"content": {Type: "string", Description: "Full file content"},
						},
						Required: []string{"path", "content"},
					},
				},
			},
			Required: []string{"files"},
		},
	}

	readFilesMeta = ToolMeta{
		Name:        ToolReadFiles,
		Description: "Read files in the sandbox",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"files": {
					Type:        "array",
					Description: "Paths of the files to read",
					Items:       &Property{Type: "string"},
				},
			},
			Required: []string{"files"},
		},
	}
)

// WriteFilesTool writes files into the sandbox and reports them for merging into the run's file set.
type WriteFilesTool struct {
	sessions SessionSource
	logger   *logx.Logger
}

// NewWriteFilesTool creates the createOrUpdateFiles tool.
func NewWriteFilesTool(sessions SessionSource) *WriteFilesTool {
	return &WriteFilesTool{sessions: sessions, logger: logx.NewLogger("files")}
}

// Name returns the tool name.
func (t *WriteFilesTool) Name() string { return ToolCreateOrUpdateFiles }

// Definition returns the tool definition for LLM.
func (t *WriteFilesTool) Definition() ToolDefinition { return writeFilesMeta.Definition() }

// Exec writes every file in order. Any failed write fails the whole call and nothing is merged.
func (t *WriteFilesTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	files := fileArgs(args)

	session, err := t.sessions.Session(ctx)
	if err != nil {
		return errorResult(err), nil
	}

	var total int
	for _, f := range files {
		if err := session.WriteFile(ctx, f.Path, f.Content); err != nil {
			return errorResult(err), nil
		}
		total += len(f.Content)
	}

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	t.logger.Info("Wrote %d file(s), %s", len(files), humanize.Bytes(uint64(total)))
	return &ExecResult{
		Content: fmt.Sprintf("Updated %d file(s): %s", len(files), strings.Join(paths, ", ")),
		Files:   files,
		Status:  metrics.ToolOK,
	}, nil
}

// fileArgs converts the validated files argument.
func fileArgs(args map[string]any) []proto.File {
	raw, _ := args["files"].([]any)
	files := make([]proto.File, 0, len(raw))
	for _, item := range raw {
		obj, _ := item.(map[string]any)
		path, _ := obj["path"].(string)
		content, _ := obj["content"].(string)
		files = append(files, proto.File{Path: path, Content: content})
	}
	return files
}

// ReadFilesTool reads files from the sandbox.
type ReadFilesTool struct {
	sessions SessionSource
}

// NewReadFilesTool creates the readFiles tool.
func NewReadFilesTool(sessions SessionSource) *ReadFilesTool {
	return &ReadFilesTool{sessions: sessions}
}

// Name returns the tool name.
func (t *ReadFilesTool) Name() string { return ToolReadFiles }

// Definition returns the tool definition for LLM.
func (t *ReadFilesTool) Definition() ToolDefinition { return readFilesMeta.Definition() }

// Exec returns a JSON list of {path, content}. A failure on any file fails the whole call.
func (t *ReadFilesTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	raw, _ := args["files"].([]any)

	session, err := t.sessions.Session(ctx)
	if err != nil {
		return errorResult(err), nil
	}

	contents := make([]proto.File, 0, len(raw))
	for _, item := range raw {
		path, _ := item.(string)
		content, err := session.ReadFile(ctx, path)
		if err != nil {
			return errorResult(err), nil
		}
		contents = append(contents, proto.File{Path: path, Content: content})
	}

	out, err := json.Marshal(contents)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal file contents: %w", err)
	}
	return &ExecResult{Content: string(out), Status: metrics.ToolOK}, nil
}

func errorResult(err error) *ExecResult {
	return &ExecResult{Content: errorPrefix + err.Error(), Status: metrics.ToolError}
}
