// Package routing turns a caller's optional model and route key hints into a
// concrete upstream route and model name
package routing

import (
	"context"
	"errors"
	"slices"
	"strings"

	"inference-gateway/internal/discovery"
	"inference-gateway/internal/upstream"
)

// Catalog is the view of upstream models the resolver decides against
type Catalog interface {
	RefreshRoute(ctx context.Context, routeKey string) (*discovery.Entry, error)
	Aggregate(ctx context.Context) *discovery.View
}

type RouteLister interface {
	RouteKeys() []string
}

type Config struct {
	DefaultModelName string
	DefaultRouteKey  string
	// AllowedModels restricts the effective model when non-empty
	AllowedModels []string
}

// Target is a resolved upstream route and the model to request on it
type Target struct {
	RouteKey string
	Model    string
}

type Resolver struct {
	cfg     Config
	catalog Catalog
	routes  RouteLister
}

func NewResolver(cfg Config, catalog Catalog, routes RouteLister) *Resolver {
	cfg.DefaultRouteKey = strings.ToLower(strings.TrimSpace(cfg.DefaultRouteKey))
	return &Resolver{cfg: cfg, catalog: catalog, routes: routes}
}

// Allowed reports whether model passes the allow-list
func (r *Resolver) Allowed(model string) bool {
	return len(r.cfg.AllowedModels) == 0 || slices.Contains(r.cfg.AllowedModels, model)
}

// Resolve picks the target for a request. Empty model or routeKey means the
// caller did not supply it. Checks run in a fixed order: allow-list, then the
// explicit route key, then inference from the aggregate view, then the
// default route.
func (r *Resolver) Resolve(ctx context.Context, model, routeKey string) (Target, error) {
	modelProvided := model != ""
	effective := model
	if !modelProvided {
		effective = r.cfg.DefaultModelName
	}

	if !r.Allowed(effective) {
		return Target{}, &Error{Kind: Forbidden, Detail: Detail{Message: "Model is not allowed by ALLOWED_MODELS"}}
	}

	if routeKey != "" {
		return r.resolveExplicit(ctx, effective, strings.ToLower(routeKey))
	}

	view := r.catalog.Aggregate(ctx)
	sources := view.Lookup(effective)
	if len(sources) == 1 {
		return Target{RouteKey: sources[0].RouteKey, Model: effective}, nil
	}

	if modelProvided {
		matches := make([]Match, 0, len(sources))
		for _, s := range sources {
			matches = append(matches, Match{ID: effective, Object: "model", RouteKey: s.RouteKey, LatencyMs: s.LatencyMs})
		}
		return Target{}, &Error{Kind: AmbiguousOrUnavailable, Detail: Detail{
			Message:            "Unable to route by model; provide modelKey or start an instance serving this model",
			RequestedModel:     effective,
			Matches:            matches,
			AvailableModelKeys: r.routes.RouteKeys(),
		}}
	}

	key := r.cfg.DefaultRouteKey
	if key == "" {
		if keys := r.routes.RouteKeys(); len(keys) > 0 {
			key = keys[0]
		}
	}
	if key == "" {
		return Target{}, &Error{Kind: NoRoutesConfigured, Detail: Detail{Message: "No routes configured. Set MODEL_ROUTE_* env vars"}}
	}
	return Target{RouteKey: key, Model: effective}, nil
}

func (r *Resolver) resolveExplicit(ctx context.Context, model, key string) (Target, error) {
	entry, err := r.catalog.RefreshRoute(ctx, key)
	if errors.Is(err, upstream.ErrUnknownRoute) {
		return Target{}, &Error{Kind: UnknownRoute, Detail: Detail{
			Message:            "Unknown modelKey; configure MODEL_ROUTE_<KEY> in environment",
			ProvidedModelKey:   key,
			AvailableModelKeys: r.routes.RouteKeys(),
		}}
	}
	if err != nil {
		return Target{}, err
	}

	if !entry.HasModel(model) {
		return Target{}, &Error{Kind: ModelNotOnRoute, Detail: Detail{
			Message:       "Requested model is not served by the selected route",
			Route:         key,
			ValidModelIDs: entry.ModelIDs(),
		}}
	}
	return Target{RouteKey: key, Model: model}, nil
}
