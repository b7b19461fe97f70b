package shared

import "time"

// HTTP Client Configuration
const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultReadTimeout     = 60 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultTotalTimeout    = 180 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	HealthProbeTimeout     = 5 * time.Second
)

// Cache Configuration
const (
	ModelCacheTTL     = 10 * time.Second
	ModelFetchTimeout = 10 * time.Second
)

// Streaming Configuration
const (
	DefaultHeartbeatInterval   = 15 * time.Second
	HeartbeatComment           = ": keepalive"
	UpstreamTimeoutMessage     = "Upstream timeout"
	UpstreamStreamErrorMessage = "Upstream stream interrupted"
)

// Rate Limit Configuration
const (
	DefaultRateLimitPerMinute = 60
	RateLimitWindow           = 60 * time.Second
	RateLimitKeyPrefix        = "rate:"
)

// API Configuration
const (
	DefaultModelName  = "TinyLlama/TinyLlama-1.1B-Chat-v1.0"
	LegacyRouteKey    = "default"
	RouteEnvPrefix    = "MODEL_ROUTE_"
	APIKeyHeader      = "X-API-Key"
	RequestIDHeader   = "X-Request-Id"
	ConversationIDHdr = "X-Conversation-Id"
	MaxErrorBodyBytes = 2048
	TitleLength       = 64
)

// Persistence Configuration
const (
	PersistTimeout = 30 * time.Second
	IDAlphabet     = "0123456789abcdef"
	IDLength       = 32
)

// Upstream sub-paths
var ROUTES = struct {
	MODELS     string
	CHAT       string
	EMBEDDINGS string
}{
	MODELS:     "/models",
	CHAT:       "/chat/completions",
	EMBEDDINGS: "/embeddings",
}

var ENDPOINTS = struct {
	CHAT        string
	CHAT_STREAM string
	EMBEDDINGS  string
}{
	CHAT:        "chat",
	CHAT_STREAM: "chat_stream",
	EMBEDDINGS:  "embeddings",
}
