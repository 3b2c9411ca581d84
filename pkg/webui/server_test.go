package webui

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appbuilder/pkg/conversation"
	"appbuilder/pkg/durable"
	"appbuilder/pkg/eventlog"
	"appbuilder/pkg/logx"
	"appbuilder/pkg/persistence"
	"appbuilder/pkg/proto"
	"appbuilder/pkg/runner"
)

type pipelineFunc func(ctx context.Context, ex *durable.Executor, req proto.RunRequest) (*proto.RunOutput, error)

func (f pipelineFunc) Run(ctx context.Context, ex *durable.Executor, req proto.RunRequest) (*proto.RunOutput, error) {
	return f(ctx, ex, req)
}

type fixture struct {
	server *Server
	store  *conversation.Store
	runs   *runner.Service
	ops    *persistence.DatabaseOperations
	logDir string
}

// newFixture wires an unstarted runner: submitted runs stay queued.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "webui.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := conversation.NewStore(db.Ops())
	runs := runner.NewService(db.Ops(), pipelineFunc(func(context.Context, *durable.Executor, proto.RunRequest) (*proto.RunOutput, error) {
		return &proto.RunOutput{}, nil
	}), store, runner.Config{MaxAttempts: 1}, nil, nil)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "webui_test_total", Help: "test counter"}))

	logDir := t.TempDir()
	return &fixture{
		server: NewServer(store, runs, reg, logDir),
		store:  store,
		runs:   runs,
		ops:    db.Ops(),
		logDir: logDir,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestCreateMessageSubmitsRun(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/projects/proj-1/messages", `{"value":"make a todo app"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp createMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Message)
	assert.Equal(t, "make a todo app", resp.Message.Content)
	assert.Equal(t, string(proto.RoleUser), resp.Message.Role)
	require.NotEmpty(t, resp.RunID)

	run, err := f.ops.GetRun(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, "proj-1", run.ProjectID)
	assert.Equal(t, "make a todo app", run.Prompt)
	assert.Equal(t, string(proto.RunStatusQueued), run.Status)
}

func TestCreateMessageRejectsEmptyValue(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/projects/proj-1/messages", `{"value":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/projects/proj-1/messages", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	runs, err := f.ops.ListRunsByStatus(context.Background(), string(proto.RunStatusQueued))
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestCreateMessageWhileShuttingDown(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.runs.Shutdown(context.Background()))

	rec := f.do(t, http.MethodPost, "/api/projects/proj-1/messages", `{"value":"hello"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListMessagesIncludesFragments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.CreateUserMessage(ctx, "proj-1", "make a todo app")
	require.NoError(t, err)
	files := proto.NewFileSet()
	files.Put("app/page.tsx", "export default 1")
	_, err = f.store.PersistOutcome(ctx, "run-1", "proj-1", proto.RunOutcome{
		Success:      true,
		ResponseText: "Here is your todo app",
		Title:        "Todo App",
		SandboxURL:   "http://3000-sbx-1.sandbox.test",
		Files:        files,
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/projects/proj-1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var msgs []*persistence.MessageWithFragment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, string(proto.RoleUser), msgs[0].Role)
	assert.Nil(t, msgs[0].Fragment)
	require.NotNil(t, msgs[1].Fragment)
	assert.Equal(t, "Todo App", msgs[1].Fragment.Title)
	assert.Equal(t, "http://3000-sbx-1.sandbox.test", msgs[1].Fragment.SandboxURL)
}

func TestListMessagesEmptyProject(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/projects/nobody/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestGetRun(t *testing.T) {
	f := newFixture(t)

	run, err := f.runs.Submit(context.Background(), proto.RunRequest{RunID: "run-42", ProjectID: "proj-1", PromptValue: "build"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/runs/"+run.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got persistence.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "run-42", got.ID)
	assert.Equal(t, string(proto.RunStatusQueued), got.Status)

	rec = f.do(t, http.MethodGet, "/api/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogsFiltersByComponentAndIncludesEvents(t *testing.T) {
	f := newFixture(t)

	logx.NewLogger("webui-logs-test").Info("hello from the test")

	w, err := eventlog.NewWriter(f.logDir)
	require.NoError(t, err)
	w.Emit(eventlog.Event{Timestamp: time.Now(), RunID: "run-7", Kind: eventlog.KindRunStarted})
	w.Emit(eventlog.Event{Timestamp: time.Now(), RunID: "other", Kind: eventlog.KindRunStarted})
	require.NoError(t, w.Close())

	rec := f.do(t, http.MethodGet, "/api/logs?component=webui-logs-test&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp logsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "hello from the test", resp.Entries[0].Message)
	assert.Empty(t, resp.Events)

	rec = f.do(t, http.MethodGet, "/api/logs?run_id=run-7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp = logsResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, eventlog.KindRunStarted, resp.Events[0].Kind)

	rec = f.do(t, http.MethodGet, "/api/logs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "webui_test_total")
}
