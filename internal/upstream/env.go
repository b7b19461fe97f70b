package upstream

import (
	"sort"
	"strings"

	"inference-gateway/internal/shared"
)

// RoutesFromEnv collects MODEL_ROUTE_<KEY>=<base url> entries from environ.
// Routes are sorted by key so that "first configured route" is stable across
// restarts. When no route is configured and legacyBaseURL is set, a single
// "default" route is synthesized.
func RoutesFromEnv(environ []string, legacyBaseURL string) []Route {
	byKey := map[string]string{}
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		key, found := strings.CutPrefix(name, shared.RouteEnvPrefix)
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimRight(strings.TrimSpace(value), "/")
		if key == "" || value == "" {
			continue
		}
		byKey[key] = value
	}

	if len(byKey) == 0 {
		if legacyBaseURL == "" {
			return nil
		}
		return []Route{{Key: shared.LegacyRouteKey, BaseURL: strings.TrimRight(legacyBaseURL, "/")}}
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	routes := make([]Route, 0, len(keys))
	for _, k := range keys {
		routes = append(routes, Route{Key: k, BaseURL: byKey[k]})
	}
	return routes
}
