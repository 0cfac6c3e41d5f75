// Package queue is the processing queue for one job kind: it accepts
// submissions, persists them, dispatches FIFO batches to the worker pool,
// records results and recovers jobs orphaned by crashed processes.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opendxa/processing/internal/model"
	"github.com/opendxa/processing/internal/session"
	"github.com/opendxa/processing/internal/store"
	"github.com/opendxa/processing/internal/workerpool"
)

var ErrInvalidJob = errors.New("invalid job")

var validate = validator.New()

// Pool is the part of workerpool.Pool a queue drives
type Pool interface {
	Start(ctx context.Context) error
	Available() int
	Dispatch(job *model.Job) error
	Claims(jobID string) bool
	Snapshot() []workerpool.SlotInfo
	Events() <-chan workerpool.Event
	Shutdown(ctx context.Context) error
}

// Publisher fans job transitions out to listeners
type Publisher interface {
	PublishJob(ctx context.Context, job *model.Job, eventType string)
	PublishSessionCompleted(ctx context.Context, job *model.Job)
}

// Archiver keeps terminal jobs after their Redis record expires
type Archiver interface {
	Archive(ctx context.Context, job *model.Job) error
}

// TrajectoryRefresher recomputes a trajectory's aggregate status
type TrajectoryRefresher interface {
	Refresh(ctx context.Context, teamID, trajectoryID string)
}

// Config holds the per-queue settings
type Config struct {
	Kind           model.Kind
	InstanceID     string
	BatchSize      int
	MaxJobAttempts int
	StartupLockTTL time.Duration
	SweepInterval  time.Duration
	// RetryDelay is how long dispatch waits after the pool refuses a job
	RetryDelay time.Duration
}

// Deps are the collaborators of a queue. Archive and Trajectories are optional.
type Deps struct {
	Store        *store.JobStore
	Instances    *store.Instances
	Sessions     *session.Manager
	Pool         Pool
	Publisher    Publisher
	Archive      Archiver
	Trajectories TrajectoryRefresher
}

// Queue is the processing queue of one job kind. All dispatch and
// completion bookkeeping runs on the queue's own loop goroutine.
type Queue struct {
	cfg Config
	Deps
	logger zerolog.Logger

	tick     chan struct{}
	requests chan func(context.Context)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config, deps Deps) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.StartupLockTTL <= 0 {
		cfg.StartupLockTTL = time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Queue{
		cfg:      cfg,
		Deps:     deps,
		logger:   log.With().Str("queue", string(cfg.Kind)).Logger(),
		tick:     make(chan struct{}, 1),
		requests: make(chan func(context.Context)),
	}
}

func (q *Queue) Kind() model.Kind { return q.cfg.Kind }

// Start recovers orphaned jobs, warms the pool and starts the run loop.
// No job is dispatched before recovery has finished.
func (q *Queue) Start(ctx context.Context) error {
	if _, err := q.RecoverOrphans(ctx); err != nil {
		return fmt.Errorf("startup recovery for %s failed: %w", q.cfg.Kind, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := q.Pool.Start(loopCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start %s worker pool: %w", q.cfg.Kind, err)
	}

	q.mu.Lock()
	q.running = true
	q.cancel = cancel
	q.done = make(chan struct{})
	q.mu.Unlock()

	go q.loop(loopCtx)
	q.signal()

	q.logger.Info().
		Str("instance_id", q.cfg.InstanceID).
		Int("batch_size", q.cfg.BatchSize).
		Msg("Queue started")
	return nil
}

// Shutdown stops the run loop and the worker pool. Jobs still running stay
// claimed by this instance and are recovered by the next boot or sweep.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	cancel, done := q.cancel, q.done
	q.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return q.Pool.Shutdown(ctx)
}

// AddJobs validates and persists a batch as queued, then signals a dispatch
// tick. Sessions referenced by the batch are initialized with their job
// count before anything is persisted.
func (q *Queue) AddJobs(ctx context.Context, subs []model.JobSubmission) ([]*model.Job, error) {
	if len(subs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidJob)
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(subs))
	jobs := make([]*model.Job, 0, len(subs))
	for i := range subs {
		sub := subs[i]
		if err := validate.Struct(sub); err != nil {
			return nil, fmt.Errorf("%w: job %d: %v", ErrInvalidJob, i, err)
		}
		if seen[sub.JobID] {
			return nil, fmt.Errorf("%w: duplicate jobId %s in batch", ErrInvalidJob, sub.JobID)
		}
		seen[sub.JobID] = true
		if _, err := model.DecodePayload(q.cfg.Kind, sub.Payload); err != nil {
			return nil, fmt.Errorf("%w: job %s: %v", ErrInvalidJob, sub.JobID, err)
		}
		if sub.SessionID != "" && sub.SessionStartTime == nil {
			sub.SessionStartTime = &now
		}
		jobs = append(jobs, model.NewJob(q.cfg.Kind, sub, now))
	}

	if err := q.initSessions(ctx, jobs); err != nil {
		return nil, err
	}
	if err := q.Store.Enqueue(ctx, jobs); err != nil {
		return nil, err
	}

	for _, job := range jobs {
		q.Publisher.PublishJob(ctx, job, model.EventTypeJobStatus)
	}
	q.logger.Info().Int("jobs", len(jobs)).Msg("Jobs queued")
	q.signal()
	return jobs, nil
}

func (q *Queue) initSessions(ctx context.Context, jobs []*model.Job) error {
	counts := make(map[string]int)
	first := make(map[string]*model.Job)
	var order []string
	for _, job := range jobs {
		if job.SessionID == "" {
			continue
		}
		if _, ok := first[job.SessionID]; !ok {
			first[job.SessionID] = job
			order = append(order, job.SessionID)
		}
		counts[job.SessionID]++
	}
	for _, id := range order {
		exists, err := q.Sessions.Exists(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to look up session %s: %w", id, err)
		}
		if exists {
			continue
		}
		rep := first[id]
		if err := q.Sessions.InitializeSession(ctx, id, *rep.SessionStartTime, counts[id], rep); err != nil {
			return err
		}
	}
	return nil
}

// GetStatus returns queue counts
func (q *Queue) GetStatus(ctx context.Context) (model.QueueStatus, error) {
	return q.Store.Status(ctx)
}

// HasActiveJobsForTrajectory reports whether any dispatched job of this
// queue references the trajectory and has not finished
func (q *Queue) HasActiveJobsForTrajectory(ctx context.Context, trajectoryID string) (bool, error) {
	n, err := q.Store.ActiveCount(ctx, trajectoryID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetMappedStatus translates an internal job status to the trajectory status
func (q *Queue) GetMappedStatus(internal string) string {
	return q.cfg.Kind.MappedStatus(internal)
}

// GetJob loads one job record
func (q *Queue) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return q.Store.Get(ctx, jobID)
}

// Workers returns the pool's slot states
func (q *Queue) Workers() []workerpool.SlotInfo {
	return q.Pool.Snapshot()
}

func (q *Queue) signal() {
	select {
	case q.tick <- struct{}{}:
	default:
	}
}

// do runs fn on the loop goroutine, or inline when the loop is stopped
func (q *Queue) do(ctx context.Context, fn func(context.Context)) error {
	q.mu.Lock()
	running, done := q.running, q.done
	q.mu.Unlock()
	if !running {
		fn(ctx)
		return nil
	}

	finished := make(chan struct{})
	wrapped := func(loopCtx context.Context) {
		defer close(finished)
		fn(loopCtx)
	}
	select {
	case q.requests <- wrapped:
	case <-done:
		fn(ctx)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.done)
	sweep := time.NewTicker(q.cfg.SweepInterval)
	defer sweep.Stop()

	events := q.Pool.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.tick:
			q.dispatch(ctx)
		case ev := <-events:
			q.handleEvent(ctx, ev)
		case fn := <-q.requests:
			fn(ctx)
		case <-sweep.C:
			if _, err := q.sweepLocal(ctx); err != nil {
				q.logger.Error().Err(err).Msg("Local stuck-job sweep failed")
			}
			q.dispatch(ctx)
		}
	}
}

// dispatch claims up to min(available slots, batch size) jobs at a time and
// hands them to the pool until either runs out
func (q *Queue) dispatch(ctx context.Context) {
	for {
		n := q.Pool.Available()
		if n > q.cfg.BatchSize {
			n = q.cfg.BatchSize
		}
		if n <= 0 {
			return
		}

		jobs, err := q.Store.Claim(ctx, n, q.cfg.InstanceID)
		if err != nil {
			q.logger.Error().Err(err).Msg("Failed to claim jobs")
			return
		}
		if len(jobs) == 0 {
			return
		}

		var refused []*model.Job
		for i, job := range jobs {
			if err := q.Pool.Dispatch(job); err != nil {
				q.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Pool refused job")
				refused = append(refused, jobs[i:]...)
				break
			}
			q.Publisher.PublishJob(ctx, job, model.EventTypeJobStatus)
			q.refreshTrajectory(ctx, job)
		}

		if len(refused) > 0 {
			// Push back in reverse so the head of the list keeps FIFO order.
			for i := len(refused) - 1; i >= 0; i-- {
				if _, err := q.Store.Requeue(ctx, refused[i].JobID, q.cfg.InstanceID, 0, true); err != nil {
					q.logger.Error().Err(err).Str("job_id", refused[i].JobID).Msg("Failed to return refused job")
				}
			}
			// No pool event follows a failed spawn, so retry on a timer
			time.AfterFunc(q.cfg.RetryDelay, q.signal)
			return
		}
		if len(jobs) < n {
			return
		}
	}
}

func (q *Queue) handleEvent(ctx context.Context, ev workerpool.Event) {
	switch ev.Type {
	case workerpool.EventProgress:
		q.handleProgress(ctx, ev.Message)
	case workerpool.EventCompleted, workerpool.EventFailed:
		q.handleTerminal(ctx, ev.Message)
		q.dispatch(ctx)
	case workerpool.EventCrashed:
		// The job stays running with no live slot; the sweep requeues it.
		q.logger.Warn().
			Err(ev.Err).
			Int("slot", ev.SlotID).
			Str("job_id", ev.JobID).
			Msg("Worker crashed, job left for recovery")
		q.dispatch(ctx)
	case workerpool.EventReady:
		q.dispatch(ctx)
	}
}

func (q *Queue) handleProgress(ctx context.Context, msg model.WorkerMessage) {
	ok, err := q.Store.UpdateProgress(ctx, msg.JobID, msg.Progress)
	if err != nil {
		q.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("Failed to record progress")
		return
	}
	if !ok {
		return
	}
	job, err := q.Store.Get(ctx, msg.JobID)
	if err != nil {
		q.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("Failed to load job for progress event")
		return
	}
	q.Publisher.PublishJob(ctx, job, model.EventTypeJobProgress)
}

// handleTerminal persists a worker's result and runs the completion side
// effects. The slot was released by the pool before the event was emitted.
func (q *Queue) handleTerminal(ctx context.Context, msg model.WorkerMessage) {
	ok, err := q.Store.Finish(ctx, msg, q.cfg.InstanceID)
	if err != nil {
		q.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("Failed to record job result")
		return
	}
	if !ok {
		q.logger.Debug().Str("job_id", msg.JobID).Msg("Ignoring result for job that is not running")
		return
	}
	job, err := q.Store.Get(ctx, msg.JobID)
	if err != nil {
		q.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("Failed to load finished job")
		return
	}
	q.afterTerminal(ctx, job)
}

// afterTerminal runs once per job reaching completed or failed
func (q *Queue) afterTerminal(ctx context.Context, job *model.Job) {
	logEvent := q.logger.Info()
	if job.Status == model.JobStatusFailed {
		logEvent = q.logger.Warn().Str("error", job.Error)
	}
	logEvent.
		Str("job_id", job.JobID).
		Str("status", string(job.Status)).
		Int64("processing_time_ms", job.ProcessingTimeMs).
		Msg("Job finished")

	q.Publisher.PublishJob(ctx, job, model.EventTypeJobStatus)

	res, err := q.Sessions.CheckAndCleanupSession(ctx, job)
	if err != nil {
		q.logger.Error().Err(err).Str("session_id", job.SessionID).Msg("Session bookkeeping failed")
	} else if res.Outcome == session.OutcomeCleaned {
		q.Publisher.PublishSessionCompleted(ctx, job)
	}

	if q.Archive != nil {
		if err := q.Archive.Archive(ctx, job); err != nil {
			q.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to archive job")
		}
	}
	q.refreshTrajectory(ctx, job)
}

func (q *Queue) refreshTrajectory(ctx context.Context, job *model.Job) {
	if q.Trajectories != nil && job.TrajectoryID != "" {
		q.Trajectories.Refresh(ctx, job.TeamID, job.TrajectoryID)
	}
}
