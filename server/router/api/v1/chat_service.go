package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	apperrors "github.com/hrygo/askparrot/internal/errors"
	"github.com/hrygo/askparrot/server/assistant"
)

// ChatResponse acknowledges an accepted question.
type ChatResponse struct {
	RequestID string `json:"request_id"`
	Remaining int    `json:"remaining"`
}

// Chat accepts a question on behalf of a chat user. The answer is delivered
// through the delivery queue, not in the response.
// POST /api/v1/chat
func (s *APIV1Service) Chat(c echo.Context) error {
	var req assistant.Request
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, apperrors.InvalidArgument("malformed request body"))
	}
	if req.ChatID == 0 {
		req.ChatID = req.UserID
	}

	requestID, err := s.Assistant.Submit(c.Request().Context(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, ChatResponse{
		RequestID: requestID,
		Remaining: s.Assistant.Remaining(req.UserID),
	})
}
