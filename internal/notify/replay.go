package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const replayPrefix = "notify:sent:"

// Deletes the marker only while it still carries the caller's token.
var releaseClaim = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisReplayProtector marks an event as in flight or sent for a TTL.
type RedisReplayProtector struct {
	Client *redis.Client
}

// Claim sets the marker for eventID if absent. A nil client always succeeds.
func (r RedisReplayProtector) Claim(ctx context.Context, eventID string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	if r.Client == nil {
		return token, true, nil
	}
	ok, err := r.Client.SetNX(ctx, replayPrefix+eventID, token, ttl).Result()
	return token, ok, err
}

// Release drops a claim taken with token so the event can be retried.
func (r RedisReplayProtector) Release(ctx context.Context, eventID, token string) error {
	if r.Client == nil {
		return nil
	}
	return releaseClaim.Run(ctx, r.Client, []string{replayPrefix + eventID}, token).Err()
}
