package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opendxa/processing/internal/model"
)

// CrashCounter counts worker crashes per slot of one instance inside a
// rolling window.
// The window starts at the first crash; INCR and the expiry run in one
// MULTI so a counter can never be left without a TTL.
type CrashCounter struct {
	rdb        *redis.Client
	kind       model.Kind
	instanceID string
}

func NewCrashCounter(rdb *redis.Client, kind model.Kind, instanceID string) *CrashCounter {
	return &CrashCounter{rdb: rdb, kind: kind, instanceID: instanceID}
}

// Incr records a crash and returns the count within the window
func (c *CrashCounter) Incr(ctx context.Context, slotID int, window time.Duration) (int, error) {
	key := CrashKey(c.kind, c.instanceID, slotID)
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Do(ctx, "PEXPIRE", key, window.Milliseconds(), "NX")
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

// Reset clears the slot's window after a successful job
func (c *CrashCounter) Reset(ctx context.Context, slotID int) error {
	return c.rdb.Del(ctx, CrashKey(c.kind, c.instanceID, slotID)).Err()
}
