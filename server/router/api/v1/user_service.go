package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	apperrors "github.com/hrygo/askparrot/internal/errors"
	"github.com/hrygo/askparrot/store"
)

const (
	defaultUserPageSize = 50
	maxUserPageSize     = 500
)

// ListUsersResponse lists registered chat users.
type ListUsersResponse struct {
	Users []*store.User `json:"users"`
}

// ListUsers returns users ordered by most recent activity.
// GET /api/v1/users?limit=N
func (s *APIV1Service) ListUsers(c echo.Context) error {
	limit := defaultUserPageSize
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxUserPageSize {
			return errorResponse(c, apperrors.InvalidArgument("limit must be between 1 and 500"))
		}
		limit = n
	}

	users, err := s.Store.ListUsers(c.Request().Context(), &store.FindUser{Limit: &limit})
	if err != nil {
		return errorResponse(c, err)
	}
	if users == nil {
		users = []*store.User{}
	}
	return c.JSON(http.StatusOK, ListUsersResponse{Users: users})
}

// GetUser returns one registered user.
// GET /api/v1/users/:user
func (s *APIV1Service) GetUser(c echo.Context) error {
	userID, err := parseUserID(c)
	if err != nil {
		return errorResponse(c, err)
	}

	user, err := s.Store.GetUser(c.Request().Context(), &store.FindUser{ID: &userID})
	if err != nil {
		return errorResponse(c, err)
	}
	if user == nil {
		return errorResponse(c, apperrors.NotFound("user "+strconv.FormatInt(userID, 10)+" not found"))
	}
	return c.JSON(http.StatusOK, user)
}

// DeleteUser forgets a user together with their conversation history.
// DELETE /api/v1/users/:user
func (s *APIV1Service) DeleteUser(c echo.Context) error {
	userID, err := parseUserID(c)
	if err != nil {
		return errorResponse(c, err)
	}

	ctx := c.Request().Context()
	user, err := s.Store.GetUser(ctx, &store.FindUser{ID: &userID})
	if err != nil {
		return errorResponse(c, err)
	}
	if user == nil {
		return errorResponse(c, apperrors.NotFound("user "+strconv.FormatInt(userID, 10)+" not found"))
	}

	if err := s.Store.DeleteUser(ctx, &store.DeleteUser{ID: userID}); err != nil {
		return errorResponse(c, err)
	}
	s.Assistant.ClearHistory(userID)
	return c.NoContent(http.StatusNoContent)
}
