// Package middleware holds the echo middleware shared by every route
package middleware

import (
	"fmt"
	"time"

	"inference-gateway/internal/ctx"
	"inference-gateway/internal/metrics"
	"inference-gateway/internal/shared"

	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// NewTrackMiddleware wraps every request in a *ctx.Context carrying a request
// scoped logger and emits one end_of_request log line
func NewTrackMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Request().Header.Get(shared.RequestIDHeader)
			if reqID == "" {
				reqID = "req_" + shared.NewID()
			}
			c.Response().Header().Set(shared.RequestIDHeader, reqID)

			logger := log.With("request_id", reqID)
			cc := &ctx.Context{
				Context: c,
				Log:     logger,
				Reqid:   reqID,
				LogValues: &ctx.ContextLogValues{
					RequestID: reqID,
					ClientIP:  c.RealIP(),
					StartTime: time.Now(),
					Path:      c.Request().URL.Path,
				},
			}

			err := next(cc)
			if err != nil {
				// Let echo write the response so the status below is final
				cc.Error(err)
				cc.LogValues.AddError(err)
			}

			cc.LogValues.RequestDuration = time.Since(cc.LogValues.StartTime)
			cc.LogValues.StatusCode = cc.Response().Status
			logger.Desugar().Check(cc.LogValues.Level(), "end_of_request").Write(zap.Object("request", cc.LogValues))
			metrics.ResponseCodes.WithLabelValues(cc.Path(), fmt.Sprintf("%d", cc.Response().Status)).Inc()
			return nil
		}
	}
}

func NewRecoverMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return emw.RecoverWithConfig(emw.RecoverConfig{
		StackSize: 1 << 10, // 1 KB
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			defer func() {
				_ = log.Sync()
			}()
			log.Errorw("Api Panic", "error", err.Error(), "stack", string(stack))
			return c.JSON(500, shared.ErrorBody{Detail: shared.ErrInternalServer.Message()})
		},
	})
}
