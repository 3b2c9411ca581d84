// Package conversation reads and writes the messages of a project: the user turns that
// trigger runs and the single assistant outcome each run produces.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"appbuilder/pkg/logx"
	"appbuilder/pkg/persistence"
	"appbuilder/pkg/proto"
)

// ErrEmptyMessage is returned when a user message has no content.
var ErrEmptyMessage = errors.New("message value is required")

// Store provides conversation operations over the persistence layer.
type Store struct {
	dbOps  *persistence.DatabaseOperations
	logger *logx.Logger
}

// NewStore creates a conversation store.
func NewStore(dbOps *persistence.DatabaseOperations) *Store {
	return &Store{
		dbOps:  dbOps,
		logger: logx.NewLogger("conversation"),
	}
}

// CreateUserMessage persists a user instruction for a project.
func (s *Store) CreateUserMessage(ctx context.Context, projectID, value string) (*persistence.Message, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	if strings.TrimSpace(value) == "" {
		return nil, ErrEmptyMessage
	}

	msg := &persistence.Message{
		ID:        persistence.GenerateID(),
		ProjectID: projectID,
		Role:      string(proto.RoleUser),
		Type:      string(proto.MessageTypeResult),
		Content:   value,
	}
	if _, err := s.dbOps.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to persist user message: %w", err)
	}
	s.logger.Debug("Created user message %s for project %s (%d chars)", msg.ID, projectID, len(value))
	return msg, nil
}

// ListMessages returns a project's turns newest-first, as stored.
func (s *Store) ListMessages(ctx context.Context, projectID string) ([]proto.ConversationTurn, error) {
	msgs, err := s.dbOps.ListMessages(ctx, projectID, true, 0)
	if err != nil {
		return nil, err
	}
	turns := make([]proto.ConversationTurn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, toTurn(m))
	}
	return turns, nil
}

// ListMessagesWithFragments returns a project's messages oldest-first with their fragments.
func (s *Store) ListMessagesWithFragments(ctx context.Context, projectID string) ([]*persistence.MessageWithFragment, error) {
	return s.dbOps.ListMessagesWithFragments(ctx, projectID)
}

// PersistOutcome writes the assistant message for a finished run. An unsuccessful outcome
// becomes the fixed failure notice with no fragment. The message and fragment IDs derive from
// runID, so repeated calls for one run leave exactly one message.
func (s *Store) PersistOutcome(ctx context.Context, runID, projectID string, outcome proto.RunOutcome) (*persistence.Message, error) {
	msg := &persistence.Message{
		ID:        persistence.OutcomeMessageID(runID),
		ProjectID: projectID,
		Role:      string(proto.RoleAssistant),
	}

	var frag *persistence.Fragment
	if outcome.Success {
		files, err := outcome.Files.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to encode fragment files: %w", err)
		}
		msg.Type = string(proto.MessageTypeResult)
		msg.Content = outcome.ResponseText
		frag = &persistence.Fragment{
			ID:         persistence.OutcomeFragmentID(runID),
			SandboxURL: outcome.SandboxURL,
			Title:      outcome.Title,
			Files:      string(files),
		}
	} else {
		msg.Type = string(proto.MessageTypeError)
		msg.Content = proto.FailureMessage
	}

	inserted, err := s.dbOps.InsertMessageWithFragment(ctx, msg, frag)
	if err != nil {
		return nil, fmt.Errorf("failed to persist outcome of run %s: %w", runID, err)
	}
	if inserted {
		s.logger.Info("Persisted %s outcome of run %s for project %s", strings.ToLower(msg.Type), runID, projectID)
	} else {
		s.logger.Debug("Outcome of run %s already persisted", runID)
	}
	return msg, nil
}

// PersistFailure records the failure notice for a run that could not finish.
func (s *Store) PersistFailure(ctx context.Context, runID, projectID string) error {
	_, err := s.PersistOutcome(ctx, runID, projectID, proto.RunOutcome{})
	return err
}

func toTurn(m *persistence.Message) proto.ConversationTurn {
	role := "user"
	if m.Role == string(proto.RoleAssistant) {
		role = "assistant"
	}
	return proto.ConversationTurn{Role: role, Type: "text", Content: m.Content}
}
