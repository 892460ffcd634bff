package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	apperrors "github.com/hrygo/askparrot/internal/errors"
)

// BroadcastRequest is the body of POST /api/v1/broadcast.
type BroadcastRequest struct {
	Text string `json:"text"`
}

// Broadcast queues a plain message to every registered user.
// POST /api/v1/broadcast
func (s *APIV1Service) Broadcast(c echo.Context) error {
	var req BroadcastRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, apperrors.InvalidArgument("malformed request body"))
	}

	result, err := s.Broadcaster.Broadcast(c.Request().Context(), req.Text)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, result)
}
