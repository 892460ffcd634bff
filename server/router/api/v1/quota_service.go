package v1

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// QuotaResponse describes one user's daily quota.
type QuotaResponse struct {
	UserID    int64 `json:"user_id"`
	Used      int   `json:"used"`
	Remaining int   `json:"remaining"`
	Limit     int   `json:"limit"`
}

// GetUserQuota returns the user's quota for the current day.
// GET /api/v1/quota/:user
func (s *APIV1Service) GetUserQuota(c echo.Context) error {
	userID, err := parseUserID(c)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, QuotaResponse{
		UserID:    userID,
		Used:      s.Limiter.Used(userID),
		Remaining: s.Limiter.Remaining(userID),
		Limit:     s.Limiter.DailyLimit(),
	})
}

// ResetQuotaResponse reports a manual reset.
type ResetQuotaResponse struct {
	ResetUsers int `json:"reset_users"`
}

// ResetQuota clears every user's counter ahead of midnight.
// POST /api/v1/quota/reset
func (s *APIV1Service) ResetQuota(c echo.Context) error {
	n := s.Limiter.ResetAll()
	slog.Info("daily quota reset by admin", "users", n)
	return c.JSON(http.StatusOK, ResetQuotaResponse{ResetUsers: n})
}
