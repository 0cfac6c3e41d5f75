package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Instances tracks which queue-owning processes are alive. A claim held by
// an instance whose heartbeat key has expired is orphaned.
type Instances struct {
	rdb *redis.Client
}

func NewInstances(rdb *redis.Client) *Instances {
	return &Instances{rdb: rdb}
}

// Heartbeat refreshes the liveness key for instanceID
func (i *Instances) Heartbeat(ctx context.Context, instanceID string, ttl time.Duration) error {
	return i.rdb.Set(ctx, InstanceKey(instanceID), time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

// Alive reports which of the given instance ids still have a heartbeat
func (i *Instances) Alive(ctx context.Context, instanceIDs []string) (map[string]bool, error) {
	alive := make(map[string]bool, len(instanceIDs))
	if len(instanceIDs) == 0 {
		return alive, nil
	}
	pipe := i.rdb.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(instanceIDs))
	for _, id := range instanceIDs {
		if _, ok := cmds[id]; ok {
			continue
		}
		cmds[id] = pipe.Exists(ctx, InstanceKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	for id, cmd := range cmds {
		alive[id] = cmd.Val() > 0
	}
	return alive, nil
}

// Remove deletes the heartbeat on graceful shutdown
func (i *Instances) Remove(ctx context.Context, instanceID string) error {
	return i.rdb.Del(ctx, InstanceKey(instanceID)).Err()
}
