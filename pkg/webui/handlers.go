package webui

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"appbuilder/pkg/conversation"
	"appbuilder/pkg/eventlog"
	"appbuilder/pkg/logx"
	"appbuilder/pkg/persistence"
	"appbuilder/pkg/proto"
	"appbuilder/pkg/runner"
)

const defaultLogLimit = 200

type createMessageRequest struct {
	Value string `json:"value"`
}

type createMessageResponse struct {
	Message *persistence.Message `json:"message"`
	RunID   string               `json:"run_id"`
}

type logsResponse struct {
	Entries []logx.Entry     `json:"entries"`
	Events  []eventlog.Event `json:"events,omitempty"`
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

// handleCreateMessage stores the user's message and triggers a run for it.
// POST /api/projects/:projectId/messages
func (s *Server) handleCreateMessage(c echo.Context) error {
	projectID := c.Param("projectId")
	ctx := c.Request().Context()

	var req createMessageRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	msg, err := s.conversations.CreateUserMessage(ctx, projectID, req.Value)
	if errors.Is(err, conversation.ErrEmptyMessage) {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	if err != nil {
		s.logger.Error("Failed to create message for project %s: %v", projectID, err)
		return errorJSON(c, http.StatusInternalServerError, "failed to create message")
	}

	run, err := s.runs.Submit(ctx, proto.RunRequest{ProjectID: projectID, PromptValue: req.Value})
	if errors.Is(err, runner.ErrShuttingDown) {
		return errorJSON(c, http.StatusServiceUnavailable, err.Error())
	}
	if err != nil {
		s.logger.Error("Failed to submit run for project %s: %v", projectID, err)
		return errorJSON(c, http.StatusInternalServerError, "failed to submit run")
	}

	return c.JSON(http.StatusAccepted, createMessageResponse{Message: msg, RunID: run.ID})
}

// handleListMessages returns the project's conversation, oldest first, with fragments.
// GET /api/projects/:projectId/messages
func (s *Server) handleListMessages(c echo.Context) error {
	projectID := c.Param("projectId")
	msgs, err := s.conversations.ListMessagesWithFragments(c.Request().Context(), projectID)
	if err != nil {
		s.logger.Error("Failed to list messages for project %s: %v", projectID, err)
		return errorJSON(c, http.StatusInternalServerError, "failed to list messages")
	}
	if msgs == nil {
		msgs = []*persistence.MessageWithFragment{}
	}
	return c.JSON(http.StatusOK, msgs)
}

// handleGetRun reports the scheduler record of a run.
// GET /api/runs/:runId
func (s *Server) handleGetRun(c echo.Context) error {
	runID := c.Param("runId")
	run, err := s.runs.Get(c.Request().Context(), runID)
	if errors.Is(err, persistence.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "run not found")
	}
	if err != nil {
		s.logger.Error("Failed to get run %s: %v", runID, err)
		return errorJSON(c, http.StatusInternalServerError, "failed to get run")
	}
	return c.JSON(http.StatusOK, run)
}

// handleLogs returns recent log lines, and the run's journaled events when run_id is given.
// GET /api/logs?component=&run_id=&limit=
func (s *Server) handleLogs(c echo.Context) error {
	component := c.QueryParam("component")
	runID := c.QueryParam("run_id")

	limit := defaultLogLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return errorJSON(c, http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	resp := logsResponse{Entries: logx.RecentEntries(component, runID, limit)}
	if runID != "" && s.logDir != "" {
		events, err := eventlog.RunEvents(s.logDir, runID)
		if err != nil {
			s.logger.Warn("Failed to read events for run %s: %v", runID, err)
		}
		resp.Events = events
	}
	return c.JSON(http.StatusOK, resp)
}
