package persistence

import (
	"time"

	"github.com/google/uuid"
)

// Message is one conversation message of a project.
type Message struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Role      string    `json:"role"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
}

// Fragment is the artifact bundle attached to a successful assistant message.
type Fragment struct {
	CreatedAt  time.Time `json:"created_at"`
	ID         string    `json:"id"`
	MessageID  string    `json:"message_id"`
	SandboxURL string    `json:"sandbox_url"`
	Title      string    `json:"title"`
	Files      string    `json:"files"` // JSON object path -> content
}

// MessageWithFragment pairs a message with its optional fragment.
type MessageWithFragment struct {
	Message
	Fragment *Fragment `json:"fragment,omitempty"`
}

// Run is the scheduler's record of one orchestration run.
type Run struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Prompt    string    `json:"prompt"`
	Status    string    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	Attempts  int       `json:"attempts"`
}

// outcomeNamespace scopes deterministic outcome identifiers.
var outcomeNamespace = uuid.MustParse("3f6c1a52-9e0b-4d7e-8a55-2c9d1b7e4f10")

// GenerateID returns a random identifier for new rows.
func GenerateID() string {
	return uuid.New().String()
}

// OutcomeMessageID derives the identifier of a run's single assistant message.
// The same run always maps to the same ID, so repeated saves collapse into one row.
func OutcomeMessageID(runID string) string {
	return uuid.NewSHA1(outcomeNamespace, []byte("message:"+runID)).String()
}

// OutcomeFragmentID derives the identifier of a run's fragment.
func OutcomeFragmentID(runID string) string {
	return uuid.NewSHA1(outcomeNamespace, []byte("fragment:"+runID)).String()
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
