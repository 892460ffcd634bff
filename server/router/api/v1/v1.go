package v1

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	apperrors "github.com/hrygo/askparrot/internal/errors"
	"github.com/hrygo/askparrot/internal/profile"
	"github.com/hrygo/askparrot/plugin/ai/conversation"
	"github.com/hrygo/askparrot/plugin/ai/quota"
	"github.com/hrygo/askparrot/plugin/delivery"
	"github.com/hrygo/askparrot/server/ai"
	"github.com/hrygo/askparrot/server/assistant"
	"github.com/hrygo/askparrot/server/middleware"
	"github.com/hrygo/askparrot/store"
)

// Runner is a background component whose liveness is reported by /healthz.
type Runner interface {
	IsRunning() bool
}

// UsageReporter reports the spend of the configured AI key.
type UsageReporter interface {
	Usage(ctx context.Context) (*ai.Usage, error)
}

// APIV1Service serves the administrative API.
type APIV1Service struct {
	Profile   *profile.Profile
	Store     *store.Store
	Cache     *conversation.Cache
	Limiter   *quota.Limiter
	Queue     *delivery.Queue
	Assistant *assistant.Service
	Broadcaster *assistant.Broadcaster
	// Scheduler is the midnight quota reset; optional.
	Scheduler Runner
	// AIUsage backs GET /api/v1/ai/usage; optional.
	AIUsage UsageReporter

	rateLimiter *middleware.RateLimiter
}

func NewAPIV1Service(profile *profile.Profile, store *store.Store, cache *conversation.Cache, limiter *quota.Limiter, queue *delivery.Queue, assistantService *assistant.Service) *APIV1Service {
	return &APIV1Service{
		Profile:     profile,
		Store:       store,
		Cache:       cache,
		Limiter:     limiter,
		Queue:       queue,
		Assistant:   assistantService,
		Broadcaster: assistant.NewBroadcaster(store, queue),
		rateLimiter: middleware.NewRateLimiter(middleware.DefaultRate, middleware.DefaultBurst),
	}
}

// RegisterRoutes mounts the health check and, when an admin secret is
// configured, the authenticated /api/v1 group.
func (s *APIV1Service) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", s.GetHealth)

	if !s.Profile.IsAdminEnabled() {
		slog.Warn("admin API disabled: admin secret is not set")
		return
	}

	g := e.Group("/api/v1", s.rateLimiter.Middleware(), middleware.AdminAuth([]byte(s.Profile.AdminSecret)))
	g.GET("/context/stats", s.GetContextStats)
	g.DELETE("/context", s.ClearAllContexts)
	g.GET("/context/:user", s.GetUserContext)
	g.DELETE("/context/:user", s.ClearUserContext)
	g.GET("/quota/:user", s.GetUserQuota)
	g.POST("/quota/reset", s.ResetQuota)
	g.GET("/delivery/stats", s.GetDeliveryStats)
	g.POST("/chat", s.Chat)
	g.GET("/users", s.ListUsers)
	g.GET("/users/:user", s.GetUser)
	g.DELETE("/users/:user", s.DeleteUser)
	g.POST("/broadcast", s.Broadcast)
	g.GET("/ai/usage", s.GetAIUsage)
}

// HealthResponse reports whether the background workers are alive.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version,omitempty"`
	CacheJanitor   bool   `json:"cache_janitor"`
	DeliveryWorker bool   `json:"delivery_worker"`
	QuotaScheduler bool   `json:"quota_scheduler"`
}

// GetHealth returns liveness information.
// GET /healthz
func (s *APIV1Service) GetHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:         "ok",
		Version:        s.Profile.Version,
		CacheJanitor:   s.Cache.IsRunning(),
		DeliveryWorker: s.Queue.IsRunning(),
	}
	if s.Scheduler != nil {
		resp.QuotaScheduler = s.Scheduler.IsRunning()
	}
	return c.JSON(http.StatusOK, resp)
}

// parseUserID reads the :user path parameter.
func parseUserID(c echo.Context) (int64, error) {
	raw := c.Param("user")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.InvalidArgument("invalid user id " + strconv.Quote(raw))
	}
	return id, nil
}

// errorResponse maps an error to its HTTP status and JSON body.
func errorResponse(c echo.Context, err error) error {
	code := apperrors.GetCodeFromError(err, "INTERNAL")
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrCodeInvalidArgument:
		status = http.StatusBadRequest
	case apperrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCodeRateLimitExceeded:
		status = http.StatusTooManyRequests
	case apperrors.ErrCodeLLMUnavailable, apperrors.ErrCodeDeliveryFailed:
		status = http.StatusBadGateway
	}

	message := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if status == http.StatusInternalServerError {
		slog.Error("admin API request failed", "path", c.Path(), "error", err)
		message = "internal error"
	}
	return c.JSON(status, middleware.ErrorResponse{Code: string(code), Message: message})
}
