// Package inference serves the chat, embeddings, model listing and raw
// message endpoints on top of the resolved upstream routes
package inference

import (
	"context"
	"time"

	"inference-gateway/internal/database"
	"inference-gateway/internal/discovery"
	"inference-gateway/internal/recorder"
	"inference-gateway/internal/relay"
	"inference-gateway/internal/routing"
	"inference-gateway/internal/shared"
	"inference-gateway/internal/upstream"

	"go.uber.org/zap"
)

// RawReader reads stored raw payloads back
type RawReader interface {
	MessageRaw(ctx context.Context, id string) (*database.RawMessage, error)
}

type Config struct {
	DefaultRouteKey string
	TotalTimeout    time.Duration
}

type Deps struct {
	Registry *upstream.Registry
	Catalog  *discovery.Aggregator
	Resolver *routing.Resolver
	Relay    *relay.Relay
	Recorder *recorder.Recorder
	// Raw is nil when storage is disabled
	Raw RawReader
}

type InferenceHandler struct {
	Log      *zap.SugaredLogger
	cfg      Config
	registry *upstream.Registry
	catalog  *discovery.Aggregator
	resolver *routing.Resolver
	relay    *relay.Relay
	recorder *recorder.Recorder
	raw      RawReader
}

func NewInferenceHandler(deps Deps, cfg Config, log *zap.SugaredLogger) *InferenceHandler {
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = shared.DefaultTotalTimeout
	}
	rec := deps.Recorder
	if rec == nil {
		rec = recorder.New(nil, log)
	}
	return &InferenceHandler{
		Log:      log,
		cfg:      cfg,
		registry: deps.Registry,
		catalog:  deps.Catalog,
		resolver: deps.Resolver,
		relay:    deps.Relay,
		recorder: rec,
		raw:      deps.Raw,
	}
}

// ShutDown waits for pending record writes
func (im *InferenceHandler) ShutDown(ctx context.Context) error {
	return im.recorder.Shutdown(ctx)
}
