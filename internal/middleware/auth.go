package middleware

import (
	"strings"

	"inference-gateway/internal/shared"

	"github.com/labstack/echo/v4"
)

type AuthConfig struct {
	APIKey        string
	AuthRequired  bool
	MetricsPublic bool
}

// NewAPIKeyMiddleware rejects requests without a matching X-API-Key. Access
// is open when no key is configured or auth is not required. Health checks
// always pass, metrics pass when public.
func NewAPIKeyMiddleware(cfg AuthConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			switch {
			case strings.HasPrefix(path, "/health"), strings.HasPrefix(path, "/api/health"):
				return next(c)
			case strings.HasPrefix(path, "/metrics") && cfg.MetricsPublic:
				return next(c)
			case !cfg.AuthRequired || cfg.APIKey == "":
				return next(c)
			}
			if err := shared.CheckAPIKey(c, cfg.APIKey); err != nil {
				return c.JSON(shared.ErrUnauthorized.StatusCode, shared.ErrorBody{Detail: shared.ErrUnauthorized.Message()})
			}
			return next(c)
		}
	}
}
