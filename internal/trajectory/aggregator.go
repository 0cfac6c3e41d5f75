// Package trajectory derives a trajectory's displayed status from the
// activity of every processing queue.
package trajectory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/opendxa/processing/internal/model"
	"github.com/opendxa/processing/internal/store"
)

// Source is one queue as seen by the aggregator
type Source interface {
	Kind() model.Kind
	HasActiveJobsForTrajectory(ctx context.Context, trajectoryID string) (bool, error)
	GetMappedStatus(internal string) string
}

// Sources lists queues in the order they are consulted
type Sources interface {
	Sources() []Source
}

// Publisher sends trajectory_updates
type Publisher interface {
	PublishTrajectory(ctx context.Context, update model.TrajectoryUpdate)
}

// Activity is one queue's view of a trajectory
type Activity struct {
	Kind   model.Kind `json:"kind"`
	Active bool       `json:"active"`
}

// Aggregator computes and caches trajectory status
type Aggregator struct {
	rdb     *redis.Client
	sources Sources
	pub     Publisher
	ttl     time.Duration
	now     func() time.Time

	// serializes compute-and-swap so a stale status is never written last
	refreshMu sync.Mutex
}

func NewAggregator(rdb *redis.Client, sources Sources, pub Publisher, ttl time.Duration) *Aggregator {
	return &Aggregator{rdb: rdb, sources: sources, pub: pub, ttl: ttl, now: time.Now}
}

// Compute returns the status the trajectory should show right now, plus
// the per-queue activity it was derived from
func (a *Aggregator) Compute(ctx context.Context, trajectoryID string) (string, []Activity, error) {
	status := ""
	var activity []Activity
	for _, src := range a.sources.Sources() {
		active, err := src.HasActiveJobsForTrajectory(ctx, trajectoryID)
		if err != nil {
			return "", nil, fmt.Errorf("failed to check %s queue: %w", src.Kind(), err)
		}
		activity = append(activity, Activity{Kind: src.Kind(), Active: active})
		if active && status == "" {
			status = src.GetMappedStatus(string(model.JobStatusRunning))
		}
	}
	if status == "" {
		status = model.TrajectoryStatusCompleted
	}
	return status, activity, nil
}

// Refresh recomputes the status and publishes it when it differs from the
// last published value. Refreshes within one process are ordered; across
// instances the cached value is last-writer-wins.
func (a *Aggregator) Refresh(ctx context.Context, teamID, trajectoryID string) {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	status, _, err := a.Compute(ctx, trajectoryID)
	if err != nil {
		log.Warn().Err(err).Str("trajectory_id", trajectoryID).Msg("Failed to compute trajectory status")
		return
	}

	prev, err := a.rdb.SetArgs(ctx, store.TrajectoryStatusKey(trajectoryID), status, redis.SetArgs{
		TTL: a.ttl,
		Get: true,
	}).Result()
	if err != nil && err != redis.Nil {
		log.Warn().Err(err).Str("trajectory_id", trajectoryID).Msg("Failed to cache trajectory status")
		return
	}
	if prev == status {
		return
	}

	log.Debug().
		Str("trajectory_id", trajectoryID).
		Str("from", prev).
		Str("to", status).
		Msg("Trajectory status changed")
	a.pub.PublishTrajectory(ctx, model.TrajectoryUpdate{
		TrajectoryID: trajectoryID,
		Status:       status,
		TeamID:       teamID,
		UpdatedAt:    a.now().UTC(),
	})
}

// Last returns the last published status, or "" if none is cached
func (a *Aggregator) Last(ctx context.Context, trajectoryID string) (string, error) {
	s, err := a.rdb.Get(ctx, store.TrajectoryStatusKey(trajectoryID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return s, err
}
