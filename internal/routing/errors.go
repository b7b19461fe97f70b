package routing

import (
	"fmt"
	"net/http"
)

type Kind int

const (
	Forbidden Kind = iota + 1
	UnknownRoute
	ModelNotOnRoute
	AmbiguousOrUnavailable
	NoRoutesConfigured
)

func (k Kind) String() string {
	switch k {
	case Forbidden:
		return "forbidden"
	case UnknownRoute:
		return "unknown_route"
	case ModelNotOnRoute:
		return "model_not_on_route"
	case AmbiguousOrUnavailable:
		return "ambiguous_or_unavailable"
	case NoRoutesConfigured:
		return "no_routes_configured"
	default:
		return "unknown"
	}
}

// Match is one route advertising the requested model
type Match struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	RouteKey  string `json:"source"`
	LatencyMs int64  `json:"latency_ms"`
}

// Detail is the guidance attached to an Error. Only the fields relevant to
// the Kind are set.
type Detail struct {
	Message            string
	ProvidedModelKey   string
	Route              string
	ValidModelIDs      []string
	RequestedModel     string
	Matches            []Match
	AvailableModelKeys []string
}

// Error is returned by Resolve for every outcome that is not a target
type Error struct {
	Kind   Kind
	Detail Detail
}

func (e *Error) Error() string {
	return fmt.Sprintf("routing %s: %s", e.Kind, e.Detail.Message)
}

func (e *Error) StatusCode() int {
	if e.Kind == Forbidden {
		return http.StatusForbidden
	}
	return http.StatusConflict
}

// Body is the value placed under "detail" in the error response. Kinds
// without guidance data render as a bare message.
func (e *Error) Body() any {
	d := e.Detail
	switch e.Kind {
	case UnknownRoute:
		return struct {
			Message            string   `json:"message"`
			ProvidedModelKey   string   `json:"provided_modelKey"`
			AvailableModelKeys []string `json:"available_modelKeys"`
		}{d.Message, d.ProvidedModelKey, nonNil(d.AvailableModelKeys)}
	case ModelNotOnRoute:
		return struct {
			Message       string   `json:"message"`
			Route         string   `json:"route"`
			ValidModelIDs []string `json:"valid_model_ids"`
		}{d.Message, d.Route, nonNil(d.ValidModelIDs)}
	case AmbiguousOrUnavailable:
		matches := d.Matches
		if matches == nil {
			matches = []Match{}
		}
		return struct {
			Message            string   `json:"message"`
			RequestedModel     string   `json:"requested_model"`
			Matches            []Match  `json:"matches"`
			AvailableModelKeys []string `json:"available_modelKeys"`
		}{d.Message, d.RequestedModel, matches, nonNil(d.AvailableModelKeys)}
	default:
		return d.Message
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
