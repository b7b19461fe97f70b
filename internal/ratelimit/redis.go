package ratelimit

import (
	"context"
	"errors"

	"inference-gateway/internal/metrics"
	"inference-gateway/internal/shared"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// windowScript increments the key and starts its expiry on the first hit of
// a window, so later hits never extend it
var windowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// SharedCounter counts requests per key in a redis fixed window
type SharedCounter struct {
	client   *redis.Client
	capacity int
	log      *zap.SugaredLogger
}

// NewSharedCounter admits perMinute requests per key per window; values
// below one are raised to one
func NewSharedCounter(client *redis.Client, perMinute int, log *zap.SugaredLogger) *SharedCounter {
	return &SharedCounter{client: client, capacity: max(1, perMinute), log: log}
}

func (s *SharedCounter) Name() string {
	return "redis"
}

// Admit increments the window counter for key. The window starts with the
// first request and lasts RateLimitWindow. Redis failures admit.
func (s *SharedCounter) Admit(ctx context.Context, key string) Decision {
	redisKey := shared.RateLimitKeyPrefix + key
	count, err := windowScript.Run(ctx, s.client, []string{redisKey}, shared.RateLimitWindow.Milliseconds()).Int64()
	if err != nil {
		err = errors.Join(shared.ErrRateLimitBackend, err)
		s.log.Warnw("Rate limit backend failed, admitting request", "key", key, "error", err)
		metrics.RateLimitBackendErrors.Inc()
		return Decision{Allowed: true, Err: err}
	}
	return Decision{Allowed: count <= int64(s.capacity)}
}
