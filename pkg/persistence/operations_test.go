package persistence

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestDB(t *testing.T) *DatabaseOperations {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db.Ops()
}

func TestSchemaVersion(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "schema.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	version, err := GetSchemaVersion(db.sql)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	db, err := Open(path)
	require.NoError(t, err)
	_, err = db.Ops().InsertMessage(ctx, &Message{ID: "m1", ProjectID: "p", Role: "USER", Type: "RESULT", Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	msgs, err := db.Ops().ListMessages(ctx, "p", false, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestMessageOrdering(t *testing.T) {
	ops := createTestDB(t)
	ctx := context.Background()
	base := time.Now()

	for i, content := range []string{"first", "second", "third"} {
		_, err := ops.InsertMessage(ctx, &Message{
			ID:        GenerateID(),
			ProjectID: "proj",
			Role:      "USER",
			Type:      "RESULT",
			Content:   content,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	_, err := ops.InsertMessage(ctx, &Message{ID: GenerateID(), ProjectID: "other", Role: "USER", Type: "RESULT", Content: "x"})
	require.NoError(t, err)

	newest, err := ops.ListMessages(ctx, "proj", true, 0)
	require.NoError(t, err)
	require.Len(t, newest, 3)
	assert.Equal(t, "third", newest[0].Content)
	assert.Equal(t, "first", newest[2].Content)

	limited, err := ops.ListMessages(ctx, "proj", true, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	oldest, err := ops.ListMessages(ctx, "proj", false, 0)
	require.NoError(t, err)
	assert.Equal(t, "first", oldest[0].Content)
}

func TestInsertMessageWithFragmentIsIdempotent(t *testing.T) {
	ops := createTestDB(t)
	ctx := context.Background()

	save := func() bool {
		inserted, err := ops.InsertMessageWithFragment(ctx,
			&Message{ID: OutcomeMessageID("run-1"), ProjectID: "proj", Role: "ASSISTANT", Type: "RESULT", Content: "Here you go"},
			&Fragment{ID: OutcomeFragmentID("run-1"), SandboxURL: "http://localhost:3000", Title: "Landing", Files: `{"index.html":"<h1>hi</h1>"}`})
		require.NoError(t, err)
		return inserted
	}

	assert.True(t, save())
	assert.False(t, save())

	msgs, err := ops.ListMessagesWithFragments(ctx, "proj")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Fragment)
	assert.Equal(t, "Landing", msgs[0].Fragment.Title)
	assert.Equal(t, msgs[0].ID, msgs[0].Fragment.MessageID)
}

func TestOutcomeIDsAreDeterministic(t *testing.T) {
	assert.Equal(t, OutcomeMessageID("r"), OutcomeMessageID("r"))
	assert.NotEqual(t, OutcomeMessageID("r"), OutcomeMessageID("s"))
	assert.NotEqual(t, OutcomeMessageID("r"), OutcomeFragmentID("r"))
}

func TestStepLogFirstRecordWins(t *testing.T) {
	ops := createTestDB(t)
	ctx := context.Background()

	require.NoError(t, ops.RecordStep(ctx, "run", "create-sandbox", json.RawMessage(`"sbx-1"`)))
	require.NoError(t, ops.RecordStep(ctx, "run", "create-sandbox", json.RawMessage(`"sbx-2"`)))
	require.NoError(t, ops.RecordStep(ctx, "run", "terminal", json.RawMessage(`"ok"`)))
	require.NoError(t, ops.RecordStep(ctx, "other", "terminal", json.RawMessage(`"no"`)))

	steps, err := ops.LoadSteps(ctx, "run")
	require.NoError(t, err)
	assert.Len(t, steps, 2)
	assert.JSONEq(t, `"sbx-1"`, string(steps["create-sandbox"]))
}

func TestRunLifecycle(t *testing.T) {
	ops := createTestDB(t)
	ctx := context.Background()

	require.NoError(t, ops.CreateRun(ctx, &Run{ID: "r1", ProjectID: "p", Prompt: "build", Status: "queued"}))
	require.NoError(t, ops.CreateRun(ctx, &Run{ID: "r2", ProjectID: "p", Prompt: "build", Status: "queued"}))
	require.NoError(t, ops.UpdateRunStatus(ctx, "r1", "running", 1, ""))
	require.NoError(t, ops.UpdateRunStatus(ctx, "r2", "failed", 4, "sandbox gone"))

	run, err := ops.GetRun(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, "failed", run.Status)
	assert.Equal(t, 4, run.Attempts)
	assert.Equal(t, "sandbox gone", run.LastError)

	pending, err := ops.ListRunsByStatus(ctx, "queued", "running")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r1", pending[0].ID)

	_, err = ops.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, ops.UpdateRunStatus(ctx, "missing", "failed", 0, ""), ErrNotFound)
}
