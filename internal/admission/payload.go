package admission

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrPayloadMissing is returned when a deferred job's payload stash
// has expired before the promoter got to it.
var ErrPayloadMissing = errors.New("deferred job payload missing")

func payloadKey(jobID string) string {
	return "concurrency-limit-payload:" + jobID
}

// StashPayload keeps a deferred job's payload until the promoter
// requeues it. The TTL outlives any realistic queue wait so a stuck
// promoter cannot leak payloads forever.
func (c *Controller) StashPayload(ctx context.Context, jobID string, data []byte) error {
	ttl := 24 * time.Hour
	return c.rdb.Set(ctx, payloadKey(jobID), data, ttl).Err()
}

// TakePayload retrieves and deletes a stashed payload.
func (c *Controller) TakePayload(ctx context.Context, jobID string) ([]byte, error) {
	raw, err := c.rdb.GetDel(ctx, payloadKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrPayloadMissing
		}
		return nil, err
	}
	return raw, nil
}
