// Package upstream owns the configured upstream routes and one pooled http
// client per route
package upstream

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"inference-gateway/internal/shared"

	"go.uber.org/zap"
)

var ErrUnknownRoute = errors.New("unknown route key")

// Route maps a route key to the base address of an OpenAI compatible server
type Route struct {
	Key     string
	BaseURL string
}

// ClientOptions are applied independently to every pooled client
type ClientOptions struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		ConnectTimeout: shared.DefaultConnectTimeout,
		ReadTimeout:    shared.DefaultReadTimeout,
		WriteTimeout:   shared.DefaultWriteTimeout,
	}
}

type Registry struct {
	log          *zap.SugaredLogger
	opts         ClientOptions
	keys         []string
	baseURLs     map[string]string
	httpClients  map[string]*http.Client
	clientsMutex sync.RWMutex
}

// NewRegistry builds a registry from routes in configuration order. Keys are
// lower-cased; a later duplicate replaces the address of an earlier one.
func NewRegistry(routes []Route, opts ClientOptions, log *zap.SugaredLogger) *Registry {
	r := &Registry{
		log:         log,
		opts:        opts,
		baseURLs:    make(map[string]string, len(routes)),
		httpClients: make(map[string]*http.Client, len(routes)),
	}
	for _, route := range routes {
		key := strings.ToLower(strings.TrimSpace(route.Key))
		if key == "" || route.BaseURL == "" {
			continue
		}
		if _, exists := r.baseURLs[key]; !exists {
			r.keys = append(r.keys, key)
		}
		r.baseURLs[key] = strings.TrimRight(route.BaseURL, "/")
	}
	return r
}

// RouteKeys returns the configured keys in configuration order
func (r *Registry) RouteKeys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

func (r *Registry) BaseURL(routeKey string) (string, error) {
	base, ok := r.baseURLs[strings.ToLower(routeKey)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRoute, routeKey)
	}
	return base, nil
}

// URL joins the route's base address with an upstream sub-path
func (r *Registry) URL(routeKey, path string) (string, error) {
	base, err := r.BaseURL(routeKey)
	if err != nil {
		return "", err
	}
	return base + path, nil
}

// Client returns the pooled client for routeKey, creating it on first use
func (r *Registry) Client(routeKey string) (*http.Client, error) {
	key := strings.ToLower(routeKey)
	base, ok := r.baseURLs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoute, routeKey)
	}

	r.clientsMutex.RLock()
	if client, exists := r.httpClients[key]; exists {
		r.clientsMutex.RUnlock()
		return client, nil
	}
	r.clientsMutex.RUnlock()

	r.clientsMutex.Lock()
	defer r.clientsMutex.Unlock()

	if client, exists := r.httpClients[key]; exists {
		return client, nil
	}

	client := newHTTPClient(r.opts)
	r.httpClients[key] = client
	r.log.Infow("Created new HTTP client for route", "route", key, "base_url", base)

	return client, nil
}

func newHTTPClient(opts ClientOptions) *http.Client {
	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	tr := &http.Transport{
		DialContext:         deadlineDialer(dialer, opts.WriteTimeout),
		TLSHandshakeTimeout: opts.ConnectTimeout,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   false,
	}
	// No overall client timeout: streaming calls are bounded by the relay and
	// unary calls by their request context.
	return &http.Client{Transport: &idleTimeoutTransport{base: tr, timeout: opts.ReadTimeout}}
}
