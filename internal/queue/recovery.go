package queue

import (
	"context"

	"github.com/opendxa/processing/internal/model"
	"github.com/opendxa/processing/internal/store"
)

// RecoverOrphans returns running jobs nobody is working on to the head of
// the queue. A job is orphaned when this instance claimed it but the pool
// holds no slot for it (a previous process with the same id crashed), or
// when its claimant's heartbeat expired. Jobs that used up their attempts
// are failed instead. Only one instance recovers a kind at a time.
func (q *Queue) RecoverOrphans(ctx context.Context) (int, error) {
	acquired, err := q.Store.AcquireStartupLock(ctx, q.cfg.InstanceID, q.cfg.StartupLockTTL)
	if err != nil {
		return 0, err
	}
	if !acquired {
		q.logger.Info().Msg("Another instance is recovering this queue, skipping")
		return 0, nil
	}
	defer func() {
		if err := q.Store.ReleaseStartupLock(context.WithoutCancel(ctx), q.cfg.InstanceID); err != nil {
			q.logger.Warn().Err(err).Msg("Failed to release startup lock")
		}
	}()

	candidates, err := q.orphans(ctx, true)
	if err != nil {
		return 0, err
	}
	n := q.requeueAll(ctx, candidates)
	if n > 0 {
		q.logger.Info().Int("recovered", n).Msg("Recovered orphaned jobs")
	}
	return n, nil
}

// SweepStuckJobs runs the orphan check across every claimant while the
// queue is up. It runs on the queue loop so it never races a result that
// is being recorded.
func (q *Queue) SweepStuckJobs(ctx context.Context) (int, error) {
	var (
		n   int
		err error
	)
	if doErr := q.do(ctx, func(ctx context.Context) {
		n, err = q.sweep(ctx, true)
	}); doErr != nil {
		return 0, doErr
	}
	return n, err
}

// sweepLocal only looks at this instance's own claims. It backs up the
// pool for jobs whose worker crashed.
func (q *Queue) sweepLocal(ctx context.Context) (int, error) {
	return q.sweep(ctx, false)
}

func (q *Queue) sweep(ctx context.Context, global bool) (int, error) {
	candidates, err := q.orphans(ctx, global)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	// Results already handed over by the pool take precedence over the sweep.
	q.drainEvents(ctx)

	n := q.requeueAll(ctx, candidates)
	if n > 0 {
		q.logger.Info().Int("requeued", n).Bool("global", global).Msg("Swept stuck jobs")
		q.dispatch(ctx)
	}
	return n, nil
}

// orphans maps orphaned job ids to their claimant
func (q *Queue) orphans(ctx context.Context, checkOthers bool) (map[string]string, error) {
	claims, err := q.Store.RunningClaims(ctx)
	if err != nil {
		return nil, err
	}

	var others []string
	for _, claimant := range claims {
		if claimant != q.cfg.InstanceID {
			others = append(others, claimant)
		}
	}
	alive := map[string]bool{}
	if checkOthers && len(others) > 0 {
		if alive, err = q.Instances.Alive(ctx, others); err != nil {
			return nil, err
		}
	}

	orphaned := make(map[string]string)
	for jobID, claimant := range claims {
		switch {
		case claimant == q.cfg.InstanceID:
			if !q.Pool.Claims(jobID) {
				orphaned[jobID] = claimant
			}
		case checkOthers && !alive[claimant]:
			orphaned[jobID] = claimant
		}
	}
	return orphaned, nil
}

func (q *Queue) requeueAll(ctx context.Context, candidates map[string]string) int {
	n := 0
	for jobID, claimant := range candidates {
		outcome, err := q.Store.Requeue(ctx, jobID, claimant, q.cfg.MaxJobAttempts, false)
		if err != nil {
			q.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to requeue orphaned job")
			continue
		}
		switch outcome {
		case store.RequeueQueued:
			n++
			q.logger.Warn().Str("job_id", jobID).Str("claimant", claimant).Msg("Requeued orphaned job")
			if job, err := q.Store.Get(ctx, jobID); err == nil {
				q.Publisher.PublishJob(ctx, job, model.EventTypeJobStatus)
				q.refreshTrajectory(ctx, job)
			}
		case store.RequeueFailed:
			n++
			job, err := q.Store.Get(ctx, jobID)
			if err != nil {
				q.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job after retry cap")
				continue
			}
			q.afterTerminal(ctx, job)
		}
	}
	return n
}

// drainEvents handles pool events that are already waiting
func (q *Queue) drainEvents(ctx context.Context) {
	events := q.Pool.Events()
	for {
		select {
		case ev := <-events:
			q.handleEvent(ctx, ev)
		default:
			return
		}
	}
}
