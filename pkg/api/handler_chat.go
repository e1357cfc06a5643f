package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// CreateSessionRequest is the body for POST /api/jobs/:id/chat/sessions.
type CreateSessionRequest struct {
	Title *string `json:"title"`
}

// SendMessageRequest is the body for POST /api/chat/sessions/:sid/messages.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// ClearSessionsResponse is the body returned by DELETE
// /api/jobs/:id/chat/sessions.
type ClearSessionsResponse struct {
	DeletedCount int `json:"deleted_count"`
}

// createSessionHandler handles POST /api/jobs/:id/chat/sessions.
func (s *Server) createSessionHandler(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	summary, err := s.chat.CreateSession(c.Param("id"), req.Title)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, summary)
}

// listSessionsHandler handles GET /api/jobs/:id/chat/sessions.
func (s *Server) listSessionsHandler(c echo.Context) error {
	summaries, err := s.chat.ListSessions(c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, summaries)
}

// clearSessionsHandler handles DELETE /api/jobs/:id/chat/sessions.
func (s *Server) clearSessionsHandler(c echo.Context) error {
	count, err := s.chat.ClearSessionsForJob(c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, ClearSessionsResponse{DeletedCount: count})
}

// sessionDetailHandler handles GET /api/chat/sessions/:sid.
func (s *Server) sessionDetailHandler(c echo.Context) error {
	session, err := s.chat.SessionDetail(c.Param("sid"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, session)
}

// deleteSessionHandler handles DELETE /api/chat/sessions/:sid.
func (s *Server) deleteSessionHandler(c echo.Context) error {
	if err := s.chat.DeleteSession(c.Param("sid")); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// sendMessageHandler handles POST /api/chat/sessions/:sid/messages. The run
// executes asynchronously; 202 carries the ids needed to follow it.
func (s *Server) sendMessageHandler(c echo.Context) error {
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := s.chat.StartMessageRun(c.Param("sid"), req.Content)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, result)
}

// runEventsHandler handles GET /api/chat/sessions/:sid/runs/:rid/events as a
// server-sent event stream.
func (s *Server) runEventsHandler(c echo.Context) error {
	sessionID := c.Param("sid")
	runID := c.Param("rid")
	ch, err := s.chat.Subscribe(sessionID, runID)
	if err != nil {
		return mapServiceError(err)
	}
	defer s.chat.Unsubscribe(sessionID, runID, ch)
	return streamEvents(c, ch)
}
