package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"inference-gateway/internal/ctx"
	"inference-gateway/internal/discovery"
	"inference-gateway/internal/shared"

	"github.com/labstack/echo/v4"
)

type ModelList struct {
	Object string                      `json:"object"`
	Data   []discovery.AggregatedModel `json:"data"`
}

type HealthStatus struct {
	OK       bool   `json:"ok"`
	Upstream string `json:"upstream"`
}

// Models lists every model served by any route, filtered by the allow-list
func (im *InferenceHandler) Models(cc echo.Context) error {
	c := cc.(*ctx.Context)

	view := im.catalog.Aggregate(c.Request().Context())
	models := make([]discovery.AggregatedModel, 0)
	for _, m := range view.Models() {
		if im.resolver.Allowed(m.ID) {
			models = append(models, m)
		}
	}
	return c.JSON(http.StatusOK, ModelList{Object: "list", Data: models})
}

// Health probes /models on the default route
func (im *InferenceHandler) Health(cc echo.Context) error {
	key := im.cfg.DefaultRouteKey
	if key == "" {
		if keys := im.registry.RouteKeys(); len(keys) > 0 {
			key = keys[0]
		}
	}
	if key == "" {
		return cc.JSON(http.StatusOK, HealthStatus{OK: true, Upstream: "unconfigured"})
	}

	status := "ok"
	if err := im.probe(cc.Request().Context(), key); err != nil {
		im.Log.Debugw("Health probe failed", "route", key, "error", err)
		status = "unavailable"
	}
	return cc.JSON(http.StatusOK, HealthStatus{OK: true, Upstream: status})
}

func (im *InferenceHandler) probe(parent context.Context, key string) error {
	pctx, cancel := context.WithTimeout(parent, shared.HealthProbeTimeout)
	defer cancel()

	client, err := im.registry.Client(key)
	if err != nil {
		return err
	}
	url, err := im.registry.URL(key, shared.ROUTES.MODELS)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	_ = res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("probe status %d", res.StatusCode)
	}
	return nil
}

// MessageRaw returns the decompressed raw request, response and event
// stream stored for a message
func (im *InferenceHandler) MessageRaw(cc echo.Context) error {
	c := cc.(*ctx.Context)
	if im.raw == nil {
		return respondError(c, shared.ErrStorageNotActive)
	}

	raw, err := im.raw.MessageRaw(c.Request().Context(), c.Param("id"))
	if errors.Is(err, shared.ErrNotFound) {
		return respondError(c, shared.ErrNotFound)
	}
	if err != nil {
		return respondError(c, errors.Join(shared.ErrInternalServer, err))
	}
	return c.JSON(http.StatusOK, raw)
}
