// Package proto defines the domain types shared by the orchestration packages.
package proto

// Role of a persisted conversation message.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

// MessageType distinguishes normal results from failure notices.
type MessageType string

const (
	MessageTypeResult MessageType = "RESULT"
	MessageTypeError  MessageType = "ERROR"
)

// User-visible fallback strings.
const (
	FailureMessage  = "Something went wrong. Please try again."
	DefaultTitle    = "Untitled"
	DefaultResponse = "Here you go"
)

// RunRequest is the immutable input of one orchestration run.
type RunRequest struct {
	RunID       string `json:"run_id"`
	ProjectID   string `json:"project_id"`
	PromptValue string `json:"value"`
}

// ConversationTurn is one prior message replayed as agent context, oldest-first.
type ConversationTurn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Type    string `json:"type"` // always "text"
	Content string `json:"content"`
}

// RunOutcome is the terminal artifact of a run, persisted exactly once.
type RunOutcome struct {
	Success      bool     `json:"success"`
	ResponseText string   `json:"response_text"`
	Title        string   `json:"title"`
	SandboxURL   string   `json:"sandbox_url"`
	Files        *FileSet `json:"files"`
}

// RunOutput is returned to the caller of the whole pipeline.
type RunOutput struct {
	URL     string   `json:"url"`
	Title   string   `json:"title"`
	Files   *FileSet `json:"files"`
	Summary string   `json:"summary"`
	Turns   int      `json:"turns"`
}

// Run status values tracked by the host scheduler.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further work is scheduled for the run.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}
