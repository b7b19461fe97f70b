package middleware

import (
	"inference-gateway/internal/metrics"
	"inference-gateway/internal/ratelimit"
	"inference-gateway/internal/shared"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// NewRateLimitMiddleware admits each request against limiter keyed by the
// client address before any handler work
func NewRateLimitMiddleware(limiter ratelimit.Limiter, log *zap.SugaredLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if key == "" {
				key = "anonymous"
			}
			decision := limiter.Admit(c.Request().Context(), key)
			if decision.Err != nil {
				log.Warnw("Rate limiter failed open", "client", key, "error", decision.Err)
			}
			if !decision.Allowed {
				metrics.RateLimited.WithLabelValues(limiter.Name()).Inc()
				return c.JSON(shared.ErrTooManyRequests.StatusCode, shared.ErrorBody{Detail: shared.ErrTooManyRequests.Message()})
			}
			return next(c)
		}
	}
}
