package discovery

import "time"

// Source is one route contributing a model to the aggregate view
type Source struct {
	RouteKey  string `json:"source"`
	LatencyMs int64  `json:"latency_ms"`
}

// AggregatedModel is the listing shape of one model id across routes
type AggregatedModel struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Sources []Source `json:"sources"`
}

// View maps model ids to the routes serving them. Views are immutable once
// built and shared between readers.
type View struct {
	BuiltAt time.Time
	sources map[string][]Source
	order   []string
}

// Lookup returns a copy of the sources serving modelID
func (v *View) Lookup(modelID string) []Source {
	src := v.sources[modelID]
	out := make([]Source, len(src))
	copy(out, src)
	return out
}

// Models lists every aggregated model sorted by id
func (v *View) Models() []AggregatedModel {
	out := make([]AggregatedModel, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, AggregatedModel{ID: id, Object: "model", Sources: v.Lookup(id)})
	}
	return out
}
