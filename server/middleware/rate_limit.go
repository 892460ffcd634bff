package middleware

import (
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

const (
	// DefaultRate is the steady request rate per client.
	DefaultRate = rate.Limit(10)
	// DefaultBurst is the request burst per client.
	DefaultBurst = 20
	// maxTrackedClients bounds memory used for per-client limiters.
	maxTrackedClients = 4096
)

// RateLimiter provides rate limiting functionality.
type RateLimiter struct {
	limit  rate.Limit
	burst  int
	limits *lru.Cache[string, *rate.Limiter]
}

// NewRateLimiter creates a new rate limiter allowing r requests per second
// with the given burst for every key.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	limits, err := lru.New[string, *rate.Limiter](maxTrackedClients)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &RateLimiter{
		limit:  r,
		burst:  burst,
		limits: limits,
	}
}

// getLimiter gets or creates a limiter for the given key.
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	if limiter, ok := rl.limits.Get(key); ok {
		return limiter
	}
	limiter := rate.NewLimiter(rl.limit, rl.burst)
	if previous, ok, _ := rl.limits.PeekOrAdd(key, limiter); ok {
		return previous
	}
	return limiter
}

// Allow checks if a request is allowed for the given key.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.getLimiter(key).Allow()
}

// Middleware rejects requests from clients over their rate with 429.
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !rl.Allow(c.RealIP()) {
				return c.JSON(http.StatusTooManyRequests, ErrorResponse{
					Code:    "RATE_LIMIT_EXCEEDED",
					Message: "too many requests",
				})
			}
			return next(c)
		}
	}
}

// ErrorResponse is the JSON body of every admin API error.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
