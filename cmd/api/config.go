package main

import (
	"flag"

	"inference-gateway/internal/shared"
)

// config holds every flag. eflag fills them from the environment using the
// upper-cased name with dashes as underscores, e.g. api-port -> API_PORT.
type config struct {
	Port           string
	Debug          bool
	LogFile        string
	APIKey         string
	AuthRequired   bool
	MetricsPublic  bool
	AllowOrigins   string
	TrustedProxies string

	RateLimitPerMin int
	UseRedis        bool
	RedisURL        string

	DefaultModelKey  string
	DefaultModelName string
	VLLMBaseURL      string
	AllowedModels    string

	ConnectTimeout float64
	ReadTimeout    float64
	WriteTimeout   float64
	TotalTimeout   float64
	Heartbeat      float64

	DBDriver string
	DSN      string
}

func registerFlags(fs *flag.FlagSet) *config {
	cfg := &config{}
	fs.StringVar(&cfg.Port, "api-port", "5050", "Listen port")
	fs.BoolVar(&cfg.Debug, "debug", false, "Debug enabled")
	fs.StringVar(&cfg.LogFile, "log-file", "", "Optional rotating log file")
	fs.StringVar(&cfg.APIKey, "api-key", "", "Gateway API key")
	fs.BoolVar(&cfg.AuthRequired, "auth-required", true, "Require X-API-Key when api-key is set")
	fs.BoolVar(&cfg.MetricsPublic, "metrics-public", false, "Serve /metrics without an API key")
	fs.StringVar(&cfg.AllowOrigins, "allow-origins", "*", "Comma separated CORS origins")
	fs.StringVar(&cfg.TrustedProxies, "trusted-proxies", "", "Comma separated proxy IPs or CIDRs whose X-Forwarded-For is believed")

	fs.IntVar(&cfg.RateLimitPerMin, "rate-limit-per-min", shared.DefaultRateLimitPerMinute, "Requests per minute per client, at least 1")
	fs.BoolVar(&cfg.UseRedis, "use-redis", false, "Use redis for rate limiting")
	fs.StringVar(&cfg.RedisURL, "redis-url", "redis://localhost:6379/0", "Redis URL")

	fs.StringVar(&cfg.DefaultModelKey, "default-model-key", "", "Route key used when the model is not specified")
	fs.StringVar(&cfg.DefaultModelName, "default-model-name", shared.DefaultModelName, "Model used when the request names none")
	fs.StringVar(&cfg.VLLMBaseURL, "vllm-base-url", "", "Legacy single upstream base URL")
	fs.StringVar(&cfg.AllowedModels, "allowed-models", "", "Comma separated model allow-list")

	fs.Float64Var(&cfg.ConnectTimeout, "connect-timeout-seconds", shared.DefaultConnectTimeout.Seconds(), "Upstream connect timeout in seconds")
	fs.Float64Var(&cfg.ReadTimeout, "read-timeout-seconds", shared.DefaultReadTimeout.Seconds(), "Upstream read timeout in seconds")
	fs.Float64Var(&cfg.WriteTimeout, "write-timeout-seconds", shared.DefaultWriteTimeout.Seconds(), "Upstream write timeout in seconds")
	fs.Float64Var(&cfg.TotalTimeout, "total-timeout-seconds", shared.DefaultTotalTimeout.Seconds(), "Upstream total timeout in seconds")
	fs.Float64Var(&cfg.Heartbeat, "heartbeat-interval-seconds", shared.DefaultHeartbeatInterval.Seconds(), "Stream heartbeat interval in seconds")

	fs.StringVar(&cfg.DBDriver, "db-driver", "sqlite", "Record store driver: mysql or sqlite")
	fs.StringVar(&cfg.DSN, "dsn", "", "Record store DSN, storage disabled when empty")
	return cfg
}
