// Package routers registers the gateway's echo routes
package routers

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterBaseRoutes adds the liveness ping and prometheus metrics. Access
// to /metrics is decided by the API key middleware on base.
func RegisterBaseRoutes(base *echo.Group) {
	base.GET("/ping", func(c echo.Context) error {
		return c.String(200, "")
	})
	base.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}
