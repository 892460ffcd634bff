package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// GetDeliveryStats returns delivery queue counters.
// GET /api/v1/delivery/stats
func (s *APIV1Service) GetDeliveryStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Queue.Stats())
}
