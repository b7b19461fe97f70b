// Package ratelimit admits or rejects inbound requests per client key. A
// local token bucket is the reference behavior; a redis fixed-window counter
// approximates it across processes.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Decision is the result of one admission. Err is set when the backend
// failed and the request was admitted anyway.
type Decision struct {
	Allowed bool
	Err     error
}

type Limiter interface {
	Admit(ctx context.Context, key string) Decision
	Name() string
}

type Config struct {
	// PerMinute is both the bucket capacity and the per-window count
	PerMinute int
	UseRedis  bool
}

// New picks the shared counter when redis is requested and reachable,
// otherwise the local bucket
func New(ctx context.Context, cfg Config, client *redis.Client, log *zap.SugaredLogger) Limiter {
	if cfg.UseRedis && client != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Warnw("Redis unavailable, falling back to local rate limiting", "error", err)
		} else {
			log.Infow("Using redis rate limiting", "per_minute", cfg.PerMinute)
			return NewSharedCounter(client, cfg.PerMinute, log)
		}
	}
	log.Infow("Using local rate limiting", "per_minute", cfg.PerMinute)
	return NewLocalBucket(cfg.PerMinute)
}
