// Package maintenance schedules the cluster-wide stuck-job sweep through
// asynq so that exactly one instance runs it per interval.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/opendxa/processing/internal/logging"
)

const (
	TaskTypeSweep = "queue:sweep"
	queueName     = "maintenance"
)

// Sweeper requeues jobs whose claimant is gone
type Sweeper interface {
	SweepStuckJobs(ctx context.Context) (int, error)
}

// NewSweepTask builds the periodic sweep task. Unique keeps instances that
// all run a scheduler from stacking duplicate sweeps.
func NewSweepTask(interval time.Duration) *asynq.Task {
	return asynq.NewTask(TaskTypeSweep, nil,
		asynq.Queue(queueName),
		asynq.MaxRetry(0),
		asynq.Unique(interval),
		asynq.Timeout(interval),
	)
}

// SweepHandler runs the sweep task
type SweepHandler struct {
	sweeper Sweeper
}

func NewSweepHandler(s Sweeper) *SweepHandler {
	return &SweepHandler{sweeper: s}
}

func (h *SweepHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	n, err := h.sweeper.SweepStuckJobs(ctx)
	if err != nil {
		return fmt.Errorf("stuck-job sweep failed: %w", err)
	}
	if n > 0 {
		log.Info().Int("requeued", n).Msg("Maintenance sweep requeued jobs")
	}
	return nil
}

// Maintenance owns the asynq scheduler and the server that runs its tasks
type Maintenance struct {
	scheduler *asynq.Scheduler
	server    *asynq.Server
	mux       *asynq.ServeMux
	interval  time.Duration
}

func New(redisOpt asynq.RedisClientOpt, sweeper Sweeper, interval time.Duration, logLevel string) *Maintenance {
	logger := logging.NewAsynqLogger(log.Logger)
	level := logging.AsynqLevel(logLevel)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger:   logger,
		LogLevel: level,
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
				log.Warn().Err(err).Str("task", TaskTypeSweep).Msg("Failed to enqueue maintenance task")
			}
		},
	})

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{queueName: 1},
		Logger:      logger,
		LogLevel:    level,
	})

	mux := asynq.NewServeMux()
	mux.Handle(TaskTypeSweep, NewSweepHandler(sweeper))

	return &Maintenance{scheduler: scheduler, server: server, mux: mux, interval: interval}
}

// Start registers the periodic sweep and starts processing
func (m *Maintenance) Start() error {
	cronspec := fmt.Sprintf("@every %s", m.interval)
	if _, err := m.scheduler.Register(cronspec, NewSweepTask(m.interval)); err != nil {
		return fmt.Errorf("failed to register sweep: %w", err)
	}
	if err := m.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if err := m.server.Start(m.mux); err != nil {
		m.scheduler.Shutdown()
		return fmt.Errorf("failed to start maintenance server: %w", err)
	}
	log.Info().Dur("interval", m.interval).Msg("Maintenance sweep scheduled")
	return nil
}

func (m *Maintenance) Shutdown() {
	m.scheduler.Shutdown()
	m.server.Shutdown()
}
