package routers

import (
	"inference-gateway/internal/handlers/inference"

	"github.com/labstack/echo/v4"
)

type InferenceRouter struct {
	ih *inference.InferenceHandler
}

// RegisterInferenceRoutes mounts the gateway endpoints on base. Health is
// served both at the root and under /api.
func RegisterInferenceRoutes(base *echo.Group, ih *inference.InferenceHandler) {
	ir := InferenceRouter{ih: ih}

	base.GET("/health", ir.ih.Health)

	api := base.Group("/api")
	api.GET("/health", ir.ih.Health)
	api.GET("/models", ir.ih.Models)
	api.POST("/chat", ir.ih.Chat)
	api.POST("/chat/stream", ir.ih.ChatStream)
	api.POST("/embeddings", ir.ih.Embeddings)
	api.GET("/messages/:id/raw", ir.ih.MessageRaw)
}
