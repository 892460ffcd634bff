package v1

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/askparrot/plugin/ai/conversation"
)

// ContextStatsResponse is the cache overview.
type ContextStatsResponse struct {
	conversation.Stats
	Config string `json:"config"`
}

// GetContextStats returns cache usage counters.
// GET /api/v1/context/stats
func (s *APIV1Service) GetContextStats(c echo.Context) error {
	return c.JSON(http.StatusOK, ContextStatsResponse{
		Stats:  s.Cache.Stats(),
		Config: s.Cache.Config().Summary(),
	})
}

// ClearAllContexts drops every user's conversation context.
// DELETE /api/v1/context
func (s *APIV1Service) ClearAllContexts(c echo.Context) error {
	cleared := s.Cache.Stats().ActiveUsers
	s.Cache.ClearAll()
	slog.Info("all conversation contexts cleared by admin", "users", cleared)
	return c.NoContent(http.StatusNoContent)
}

// UserContextResponse describes one user's conversation context.
type UserContextResponse struct {
	UserID int64 `json:"user_id"`
	conversation.UserInfo
	History []conversation.Turn `json:"history"`
}

// GetUserContext returns the user's context without refreshing it.
// With ?format=text the history is rendered as plain text.
// GET /api/v1/context/:user
func (s *APIV1Service) GetUserContext(c echo.Context) error {
	userID, err := parseUserID(c)
	if err != nil {
		return errorResponse(c, err)
	}
	if c.QueryParam("format") == "text" {
		return c.String(http.StatusOK, s.Assistant.HistoryText(userID))
	}

	return c.JSON(http.StatusOK, UserContextResponse{
		UserID:   userID,
		UserInfo: s.Cache.UserInfo(userID),
		History:  s.Cache.Peek(userID),
	})
}

// ClearUserContext drops one user's conversation context.
// DELETE /api/v1/context/:user
func (s *APIV1Service) ClearUserContext(c echo.Context) error {
	userID, err := parseUserID(c)
	if err != nil {
		return errorResponse(c, err)
	}
	s.Assistant.ClearHistory(userID)
	return c.NoContent(http.StatusNoContent)
}
