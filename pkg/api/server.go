// Package api is the HTTP/SSE surface of the service: a thin echo adapter
// that translates requests into supervisor calls and event subscriptions
// into server-sent event streams.
package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/pageindex/pageindex-web/pkg/chat"
	"github.com/pageindex/pageindex-web/pkg/config"
	"github.com/pageindex/pageindex-web/pkg/events"
	"github.com/pageindex/pageindex-web/pkg/models"
)

// JobManager is the job supervisor surface the handlers call.
type JobManager interface {
	Create(filename string, src io.Reader, inputType models.InputType, opts models.JobOptions) (*models.Job, error)
	Get(jobID string) (*models.Job, error)
	List() []*models.Job
	Cancel(jobID string) (*models.Job, error)
	ResultPath(jobID string) (string, error)
	Subscribe(jobID string) (chan events.Event, error)
	Unsubscribe(jobID string, ch chan events.Event)
}

// ChatManager is the chat supervisor surface the handlers call.
type ChatManager interface {
	CreateSession(jobID string, title *string) (models.ChatSessionSummary, error)
	ListSessions(jobID string) ([]models.ChatSessionSummary, error)
	SessionDetail(sessionID string) (*models.ChatSession, error)
	DeleteSession(sessionID string) error
	ClearSessionsForJob(jobID string) (int, error)
	StartMessageRun(sessionID, content string) (chat.StartRunResult, error)
	Subscribe(sessionID, runID string) (chan events.Event, error)
	Unsubscribe(sessionID, runID string, ch chan events.Event)
}

// Server wires the HTTP routes to the two supervisors.
type Server struct {
	cfg  *config.ServerConfig
	jobs JobManager
	chat ChatManager
	echo *echo.Echo
}

// NewServer builds the echo application with middleware and routes.
func NewServer(cfg *config.ServerConfig, jobs JobManager, chatManager ChatManager) *Server {
	s := &Server{
		cfg:  cfg,
		jobs: jobs,
		chat: chatManager,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowCredentials: true,
	}))

	s.registerRoutes(e)
	s.echo = e
	return s
}

func (s *Server) registerRoutes(e *echo.Echo) {
	e.GET("/api/health", s.healthHandler)

	e.POST("/api/jobs", s.createJobHandler)
	e.GET("/api/jobs", s.listJobsHandler)
	e.GET("/api/jobs/:id", s.getJobHandler)
	e.GET("/api/jobs/:id/events", s.jobEventsHandler)
	e.POST("/api/jobs/:id/cancel", s.cancelJobHandler)
	e.GET("/api/jobs/:id/result", s.jobResultHandler)

	e.POST("/api/jobs/:id/chat/sessions", s.createSessionHandler)
	e.GET("/api/jobs/:id/chat/sessions", s.listSessionsHandler)
	e.DELETE("/api/jobs/:id/chat/sessions", s.clearSessionsHandler)
	e.GET("/api/chat/sessions/:sid", s.sessionDetailHandler)
	e.DELETE("/api/chat/sessions/:sid", s.deleteSessionHandler)
	e.POST("/api/chat/sessions/:sid/messages", s.sendMessageHandler)
	e.GET("/api/chat/sessions/:sid/runs/:rid/events", s.runEventsHandler)
}

// requestLogger emits one slog line per request.
func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogMethod: true,
		LogStatus: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				slog.Warn("Request failed",
					"method", v.Method, "uri", v.URI, "status", v.Status, "error", v.Error)
			} else {
				slog.Debug("Request",
					"method", v.Method, "uri", v.URI, "status", v.Status)
			}
			return nil
		},
	})
}

// Handler exposes the echo application, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address and blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	slog.Info("HTTP server listening", "addr", addr)
	return s.echo.Start(addr)
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
