package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opendxa/processing/internal/model"
	"github.com/opendxa/processing/internal/store"
	"github.com/opendxa/processing/internal/trajectory"
)

// Registry owns every queue of this process and the instance heartbeat
// that keeps their claims from being treated as orphaned.
type Registry struct {
	instanceID string
	instances  *store.Instances
	heartbeat  time.Duration

	mu     sync.RWMutex
	queues map[model.Kind]*Queue

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewRegistry(instanceID string, instances *store.Instances, heartbeat time.Duration) *Registry {
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	return &Registry{
		instanceID: instanceID,
		instances:  instances,
		heartbeat:  heartbeat,
		queues:     make(map[model.Kind]*Queue),
	}
}

func (r *Registry) InstanceID() string { return r.instanceID }

// Add registers a queue. A second queue of the same kind replaces the first.
func (r *Registry) Add(q *Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[q.Kind()] = q
}

func (r *Registry) Get(kind model.Kind) (*Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[kind]
	return q, ok
}

// Queues returns the registered queues in model.Kinds order
func (r *Registry) Queues() []*Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Queue, 0, len(r.queues))
	for _, k := range model.Kinds {
		if q, ok := r.queues[k]; ok {
			out = append(out, q)
		}
	}
	return out
}

// Sources exposes the queues to the trajectory status aggregator
func (r *Registry) Sources() []trajectory.Source {
	queues := r.Queues()
	out := make([]trajectory.Source, len(queues))
	for i, q := range queues {
		out[i] = q
	}
	return out
}

// Start publishes the first heartbeat, then starts every queue
func (r *Registry) Start(ctx context.Context) error {
	if err := r.instances.Heartbeat(ctx, r.instanceID, r.heartbeatTTL()); err != nil {
		return fmt.Errorf("failed to register instance %s: %w", r.instanceID, err)
	}
	r.stop = make(chan struct{})
	r.wg.Add(1)
	go r.heartbeatLoop()

	for _, q := range r.Queues() {
		if err := q.Start(ctx); err != nil {
			return err
		}
	}
	log.Info().
		Str("instance_id", r.instanceID).
		Int("queues", len(r.Queues())).
		Msg("Processing queues started")
	return nil
}

// Shutdown stops every queue and drops the heartbeat so other instances
// can pick up whatever was still running here
func (r *Registry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, q := range r.Queues() {
		if err := q.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", q.Kind(), err))
		}
	}
	if r.stop != nil {
		close(r.stop)
		r.wg.Wait()
		r.stop = nil
	}
	if err := r.instances.Remove(context.WithoutCancel(ctx), r.instanceID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SweepStuckJobs runs the global orphan sweep on every queue
func (r *Registry) SweepStuckJobs(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, q := range r.Queues() {
		n, err := q.SweepStuckJobs(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", q.Kind(), err))
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

func (r *Registry) heartbeatTTL() time.Duration {
	return 3 * r.heartbeat
}

func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.heartbeat)
			if err := r.instances.Heartbeat(ctx, r.instanceID, r.heartbeatTTL()); err != nil {
				log.Warn().Err(err).Str("instance_id", r.instanceID).Msg("Heartbeat failed")
			}
			cancel()
		}
	}
}
