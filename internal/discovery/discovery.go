// Package discovery keeps a short lived cache of the models each upstream
// route serves and a merged cross-route view of it
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"inference-gateway/internal/metrics"
	"inference-gateway/internal/shared"
	"inference-gateway/internal/upstream"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Model is one model advertised by a route, annotated with the latency of
// the /models call that reported it
type Model struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	OwnedBy   string `json:"owned_by"`
	RouteKey  string `json:"source"`
	LatencyMs int64  `json:"latency_ms"`
}

// Entry is a self-contained snapshot of one route's models. A failed fetch
// still produces an entry: Err is set, Models holds the previous snapshot
// (Stale) or is empty when there was none.
type Entry struct {
	RouteKey  string
	FetchedAt time.Time
	Models    []Model
	Err       error
	Stale     bool
}

func (e *Entry) HasModel(id string) bool {
	for _, m := range e.Models {
		if m.ID == id {
			return true
		}
	}
	return false
}

// ModelIDs returns the sorted, de-duplicated ids served by the route
func (e *Entry) ModelIDs() []string {
	seen := map[string]struct{}{}
	ids := make([]string, 0, len(e.Models))
	for _, m := range e.Models {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids
}

type Aggregator struct {
	registry *upstream.Registry
	log      *zap.SugaredLogger
	ttl      time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
	view    *View
	// gen counts stored entries; a view folded at an older gen is not kept
	gen uint64

	group singleflight.Group
}

type Option func(*Aggregator)

// WithClock replaces time.Now, used by tests to move across the TTL
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func WithTTL(ttl time.Duration) Option {
	return func(a *Aggregator) { a.ttl = ttl }
}

func NewAggregator(registry *upstream.Registry, log *zap.SugaredLogger, opts ...Option) *Aggregator {
	a := &Aggregator{
		registry: registry,
		log:      log,
		ttl:      shared.ModelCacheTTL,
		timeout:  shared.ModelFetchTimeout,
		now:      time.Now,
		entries:  map[string]*Entry{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) fresh(t time.Time) bool {
	return a.now().Sub(t) <= a.ttl
}

// RefreshRoute returns the route's entry, fetching it when missing or older
// than the TTL. Only an unconfigured route key produces an error. The fetch is
// shared by concurrent callers and does not end when ctx is cancelled.
func (a *Aggregator) RefreshRoute(ctx context.Context, routeKey string) (*Entry, error) {
	key := strings.ToLower(routeKey)
	if _, err := a.registry.BaseURL(key); err != nil {
		return nil, err
	}

	a.mu.Lock()
	cached := a.entries[key]
	a.mu.Unlock()
	if cached != nil && a.fresh(cached.FetchedAt) {
		return cached, nil
	}

	v, _, _ := a.group.Do("route:"+key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		return a.fetch(fctx, key, cached), nil
	})
	return v.(*Entry), nil
}

func (a *Aggregator) fetch(ctx context.Context, key string, previous *Entry) *Entry {
	start := time.Now()
	models, err := a.fetchModels(ctx, key)
	latency := time.Since(start)

	entry := &Entry{RouteKey: key, FetchedAt: a.now(), Models: models}
	if err != nil {
		a.log.Warnw("Failed to fetch models for route", "route", key, "error", err)
		metrics.ModelRefreshes.WithLabelValues(key, "error").Inc()
		entry.Err = err
		entry.Models = nil
		if previous != nil && len(previous.Models) > 0 {
			entry.Models = previous.Models
			entry.Stale = true
		}
	} else {
		metrics.ModelRefreshes.WithLabelValues(key, "ok").Inc()
		metrics.ModelRefreshLatency.WithLabelValues(key).Observe(latency.Seconds())
		for i := range entry.Models {
			entry.Models[i].LatencyMs = latency.Milliseconds()
		}
	}

	if errors.Is(err, context.Canceled) {
		// Not the route's fault; leave the cache for the next caller
		return entry
	}

	a.mu.Lock()
	a.entries[key] = entry
	a.view = nil
	a.gen++
	a.mu.Unlock()
	return entry
}

func (a *Aggregator) fetchModels(ctx context.Context, key string) ([]Model, error) {
	client, err := a.registry.Client(key)
	if err != nil {
		return nil, err
	}
	url, err := a.registry.URL(key, shared.ROUTES.MODELS)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Join(shared.ErrModelsFetch, err)
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, errors.Join(shared.ErrModelsFetch, err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil, errors.Join(shared.ErrModelsFetch, fmt.Errorf("status %d", res.StatusCode))
	}

	var list shared.ModelList
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		return nil, errors.Join(shared.ErrModelsFetch, err)
	}

	models := make([]Model, 0, len(list.Data))
	for _, m := range list.Data {
		object := m.Object
		if object == "" {
			object = "model"
		}
		models = append(models, Model{ID: m.ID, Object: object, OwnedBy: m.OwnedBy, RouteKey: key})
	}
	return models, nil
}

// Aggregate returns the merged view, rebuilding it from a concurrent refresh
// of every route when the cached one is missing or expired
func (a *Aggregator) Aggregate(ctx context.Context) *View {
	a.mu.Lock()
	view := a.view
	a.mu.Unlock()
	if view != nil && a.fresh(view.BuiltAt) {
		return view
	}

	v, _, _ := a.group.Do("aggregate", func() (any, error) {
		return a.rebuild(context.WithoutCancel(ctx)), nil
	})
	return v.(*View)
}

func (a *Aggregator) rebuild(ctx context.Context) *View {
	keys := a.registry.RouteKeys()

	// Refresh errors never reach the group; each route resolves to an entry
	eg, egctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		eg.Go(func() error {
			if _, err := a.RefreshRoute(egctx, key); err != nil {
				a.log.Warnw("Skipping route during aggregation", "route", key, "error", err)
			}
			return nil
		})
	}
	_ = eg.Wait()

	gen, entries := a.snapshot(keys)
	view := fold(a.now(), entries)
	a.publish(view, gen)
	return view
}

// snapshot reads the latest entries for keys together with the generation
// they belong to
func (a *Aggregator) snapshot(keys []string) (uint64, []*Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entries := make([]*Entry, 0, len(keys))
	for _, key := range keys {
		if entry := a.entries[key]; entry != nil {
			entries = append(entries, entry)
		}
	}
	return a.gen, entries
}

// publish caches view unless an entry was stored after it was folded
func (a *Aggregator) publish(view *View, gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gen != gen {
		return false
	}
	a.view = view
	return true
}

func fold(builtAt time.Time, entries []*Entry) *View {
	view := &View{BuiltAt: builtAt, sources: map[string][]Source{}}
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		for _, m := range entry.Models {
			if m.ID == "" {
				continue
			}
			if _, ok := view.sources[m.ID]; !ok {
				view.order = append(view.order, m.ID)
			}
			view.sources[m.ID] = append(view.sources[m.ID], Source{RouteKey: entry.RouteKey, LatencyMs: m.LatencyMs})
		}
	}
	sort.Strings(view.order)
	return view
}
