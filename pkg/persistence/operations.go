package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// DatabaseOperations provides the queries used by the service.
type DatabaseOperations struct {
	db *sql.DB
}

// NewDatabaseOperations creates a new DatabaseOperations instance.
func NewDatabaseOperations(db *sql.DB) *DatabaseOperations {
	return &DatabaseOperations{db: db}
}

// InsertMessage stores msg unless a row with the same ID exists.
// It reports whether a new row was written.
func (ops *DatabaseOperations) InsertMessage(ctx context.Context, msg *Message) (bool, error) {
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}

	res, err := ops.db.ExecContext(ctx, `
		INSERT INTO messages (id, project_id, role, type, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		msg.ID, msg.ProjectID, msg.Role, msg.Type, msg.Content,
		formatTime(msg.CreatedAt), formatTime(msg.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected for message %s: %w", msg.ID, err)
	}
	return n > 0, nil
}

// InsertMessageWithFragment writes a message and its optional fragment atomically.
// Both inserts are no-ops when the rows already exist.
func (ops *DatabaseOperations) InsertMessageWithFragment(ctx context.Context, msg *Message, frag *Fragment) (bool, error) {
	tx, err := ops.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, project_id, role, type, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		msg.ID, msg.ProjectID, msg.Role, msg.Type, msg.Content,
		formatTime(msg.CreatedAt), formatTime(msg.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if frag != nil && inserted > 0 {
		if frag.CreatedAt.IsZero() {
			frag.CreatedAt = now
		}
		frag.MessageID = msg.ID
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fragments (id, message_id, sandbox_url, title, files, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(message_id) DO NOTHING`,
			frag.ID, frag.MessageID, frag.SandboxURL, frag.Title, frag.Files, formatTime(frag.CreatedAt)); err != nil {
			return false, fmt.Errorf("failed to insert fragment for message %s: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit message %s: %w", msg.ID, err)
	}
	return inserted > 0, nil
}

// ListMessages returns a project's messages, newest first when newestFirst is set.
// A limit of 0 returns all rows.
func (ops *DatabaseOperations) ListMessages(ctx context.Context, projectID string, newestFirst bool, limit int) ([]*Message, error) {
	order := "ASC"
	if newestFirst {
		order = "DESC"
	}
	query := fmt.Sprintf(`
		SELECT id, project_id, role, type, content, created_at, updated_at
		FROM messages WHERE project_id = ?
		ORDER BY created_at %s, rowid %s`, order, order)
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := ops.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for project %s: %w", projectID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Message
	for rows.Next() {
		var m Message
		var created, updated string
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Role, &m.Type, &m.Content, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.CreatedAt = parseTime(created)
		m.UpdatedAt = parseTime(updated)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return out, nil
}

// ListMessagesWithFragments returns a project's messages oldest first, each with its fragment.
func (ops *DatabaseOperations) ListMessagesWithFragments(ctx context.Context, projectID string) ([]*MessageWithFragment, error) {
	rows, err := ops.db.QueryContext(ctx, `
		SELECT m.id, m.project_id, m.role, m.type, m.content, m.created_at, m.updated_at,
		       f.id, f.sandbox_url, f.title, f.files, f.created_at
		FROM messages m LEFT JOIN fragments f ON f.message_id = m.id
		WHERE m.project_id = ?
		ORDER BY m.created_at ASC, m.rowid ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for project %s: %w", projectID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*MessageWithFragment
	for rows.Next() {
		var mf MessageWithFragment
		var created, updated string
		var fragID, fragURL, fragTitle, fragFiles, fragCreated sql.NullString
		if err := rows.Scan(&mf.ID, &mf.ProjectID, &mf.Role, &mf.Type, &mf.Content, &created, &updated,
			&fragID, &fragURL, &fragTitle, &fragFiles, &fragCreated); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		mf.CreatedAt = parseTime(created)
		mf.UpdatedAt = parseTime(updated)
		if fragID.Valid {
			mf.Fragment = &Fragment{
				ID:         fragID.String,
				MessageID:  mf.ID,
				SandboxURL: fragURL.String,
				Title:      fragTitle.String,
				Files:      fragFiles.String,
				CreatedAt:  parseTime(fragCreated.String),
			}
		}
		out = append(out, &mf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return out, nil
}

// RecordStep stores a step output. The first record for a key wins.
func (ops *DatabaseOperations) RecordStep(ctx context.Context, runID, stepKey string, output json.RawMessage) error {
	_, err := ops.db.ExecContext(ctx, `
		INSERT INTO step_log (run_id, step_key, output, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, step_key) DO NOTHING`,
		runID, stepKey, string(output), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record step %s for run %s: %w", stepKey, runID, err)
	}
	return nil
}

// LoadSteps returns every recorded step output of a run keyed by step key.
func (ops *DatabaseOperations) LoadSteps(ctx context.Context, runID string) (map[string]json.RawMessage, error) {
	rows, err := ops.db.QueryContext(ctx, `SELECT step_key, output FROM step_log WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, output string
		if err := rows.Scan(&key, &output); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		out[key] = json.RawMessage(output)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate steps: %w", err)
	}
	return out, nil
}

// CreateRun inserts a run record. Existing runs are left untouched.
func (ops *DatabaseOperations) CreateRun(ctx context.Context, run *Run) error {
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = run.CreatedAt

	_, err := ops.db.ExecContext(ctx, `
		INSERT INTO runs (id, project_id, prompt, status, last_error, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		run.ID, run.ProjectID, run.Prompt, run.Status, run.LastError, run.Attempts,
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateRunStatus sets a run's status, attempt count and last error.
func (ops *DatabaseOperations) UpdateRunStatus(ctx context.Context, runID, status string, attempts int, lastError string) error {
	res, err := ops.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, attempts, lastError, formatTime(time.Now()), runID)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

const runColumns = `id, project_id, prompt, status, last_error, attempts, created_at, updated_at`

func scanRun(scan func(dest ...any) error) (*Run, error) {
	var r Run
	var created, updated string
	if err := scan(&r.ID, &r.ProjectID, &r.Prompt, &r.Status, &r.LastError, &r.Attempts, &created, &updated); err != nil {
		return nil, err
	}
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}

// GetRun fetches one run.
func (ops *DatabaseOperations) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := ops.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRunsByStatus returns runs in any of the given states, oldest first.
func (ops *DatabaseOperations) ListRunsByStatus(ctx context.Context, statuses ...string) ([]*Run, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}

	rows, err := ops.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status IN (`+placeholders+`) ORDER BY created_at ASC, rowid ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return out, nil
}
