package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	apperrors "github.com/hrygo/askparrot/internal/errors"
)

// AIUsageResponse reports key spend.
type AIUsageResponse struct {
	Label       string   `json:"label"`
	Usage       float64  `json:"usage"`
	Limit       *float64 `json:"limit"`
	Remaining   *float64 `json:"remaining"`
	PercentUsed *float64 `json:"percent_used"`
	IsFreeTier  bool     `json:"is_free_tier"`
}

// GetAIUsage returns the credit usage of the configured API key.
// GET /api/v1/ai/usage
func (s *APIV1Service) GetAIUsage(c echo.Context) error {
	if s.AIUsage == nil {
		return errorResponse(c, apperrors.NotFound("usage reporting is not configured"))
	}

	usage, err := s.AIUsage.Usage(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}

	resp := AIUsageResponse{
		Label:      usage.Label,
		Usage:      usage.Usage,
		Limit:      usage.Limit,
		IsFreeTier: usage.IsFreeTier,
	}
	if usage.HasLimit() {
		remaining, percent := usage.Remaining(), usage.PercentUsed()
		resp.Remaining, resp.PercentUsed = &remaining, &percent
	}
	return c.JSON(http.StatusOK, resp)
}
