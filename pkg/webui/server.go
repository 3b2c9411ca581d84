// Package webui serves the HTTP API: project conversations, run status, recent logs and metrics.
package webui

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"appbuilder/pkg/logx"
	"appbuilder/pkg/persistence"
	"appbuilder/pkg/proto"
	"appbuilder/pkg/version"
)

// Conversations is the subset of the conversation store the API needs.
type Conversations interface {
	CreateUserMessage(ctx context.Context, projectID, value string) (*persistence.Message, error)
	ListMessagesWithFragments(ctx context.Context, projectID string) ([]*persistence.MessageWithFragment, error)
}

// Runs submits and looks up orchestration runs.
type Runs interface {
	Submit(ctx context.Context, req proto.RunRequest) (*persistence.Run, error)
	Get(ctx context.Context, runID string) (*persistence.Run, error)
}

// Server is the HTTP front end of the host service.
type Server struct {
	conversations Conversations
	runs          Runs
	gatherer      prometheus.Gatherer
	logger        *logx.Logger
	echo          *echo.Echo
	logDir        string
}

// NewServer creates a server. A nil gatherer disables /metrics; an empty logDir
// disables the event journal lookup in /api/logs.
func NewServer(conversations Conversations, runs Runs, gatherer prometheus.Gatherer, logDir string) *Server {
	s := &Server{
		conversations: conversations,
		runs:          runs,
		gatherer:      gatherer,
		logDir:        logDir,
		logger:        logx.NewLogger("webui"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("%s %s -> %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	s.RegisterRoutes(e)
	s.echo = e
	return s
}

// RegisterRoutes mounts the API on e.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/api/logs", s.handleLogs)
	e.POST("/api/projects/:projectId/messages", s.handleCreateMessage)
	e.GET("/api/projects/:projectId/messages", s.handleListMessages)
	e.GET("/api/runs/:runId", s.handleGetRun)
	if s.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("🌐 HTTP API listening on %s", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return logx.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}
