package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opendxa/processing/internal/model"
)

var (
	ErrNotFound     = errors.New("job not found")
	ErrDuplicateJob = errors.New("duplicate job id")
)

// RequeueOutcome is what requeueing an orphaned job did
type RequeueOutcome int

const (
	RequeueNoop RequeueOutcome = iota
	RequeueQueued
	RequeueFailed
)

// JobStore keeps one queue kind's job records and queue state in Redis.
// Every state transition is a single Lua script so the running set, the
// per-trajectory active counts and the job hash never disagree.
type JobStore struct {
	rdb  *redis.Client
	kind model.Kind
	ttl  time.Duration
	now  func() time.Time
}

// NewJobStore creates a store for one queue kind
func NewJobStore(rdb *redis.Client, kind model.Kind, ttl time.Duration) *JobStore {
	return &JobStore{rdb: rdb, kind: kind, ttl: ttl, now: time.Now}
}

func (s *JobStore) Kind() model.Kind { return s.kind }

// Enqueue persists jobs as queued and appends them to the FIFO list
func (s *JobStore) Enqueue(ctx context.Context, jobs []*model.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(jobs)+1)
	keys = append(keys, QueuedKey(s.kind))
	fieldArgs := make([]interface{}, 0, len(jobs))
	idArgs := make([]interface{}, 0, len(jobs))
	for _, job := range jobs {
		encoded, err := json.Marshal(jobFields(job))
		if err != nil {
			return fmt.Errorf("failed to encode job %s: %w", job.JobID, err)
		}
		keys = append(keys, JobKey(s.kind, job.JobID))
		fieldArgs = append(fieldArgs, string(encoded))
		idArgs = append(idArgs, job.JobID)
	}
	args := make([]interface{}, 0, 1+2*len(jobs))
	args = append(args, s.ttl.Milliseconds())
	args = append(args, fieldArgs...)
	args = append(args, idArgs...)

	if err := enqueueScript.Run(ctx, s.rdb, keys, args...).Err(); err != nil {
		if strings.HasPrefix(err.Error(), "DUPLICATE") {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, strings.TrimSpace(strings.TrimPrefix(err.Error(), "DUPLICATE")))
		}
		return fmt.Errorf("failed to enqueue jobs: %w", err)
	}
	return nil
}

// Claim pops up to max queued jobs FIFO, marks them running for claimant
// and returns the claimed records in dispatch order.
func (s *JobStore) Claim(ctx context.Context, max int, claimant string) ([]*model.Job, error) {
	if max <= 0 {
		return nil, nil
	}
	keys := []string{QueuedKey(s.kind), RunningKey(s.kind), ActiveKey(s.kind)}
	ids, err := claimScript.Run(ctx, s.rdb, keys,
		max, claimant, formatTime(s.now()), JobKeyPrefix(s.kind), s.ttl.Milliseconds(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.getMany(ctx, ids)
}

// Finish marks a running job terminal. It reports false when the job was not
// running, which makes duplicate terminal reports harmless.
func (s *JobStore) Finish(ctx context.Context, msg model.WorkerMessage, claimant string) (bool, error) {
	var status model.JobStatus
	switch msg.Type {
	case model.MessageTypeCompleted:
		status = model.JobStatusCompleted
	case model.MessageTypeFailed:
		status = model.JobStatusFailed
	default:
		return false, fmt.Errorf("cannot finish job with %q message", msg.Type)
	}
	keys := []string{JobKey(s.kind, msg.JobID), RunningKey(s.kind), ActiveKey(s.kind), StatsKey(s.kind)}
	n, err := finishScript.Run(ctx, s.rdb, keys,
		msg.JobID, string(status), msg.Error, string(msg.Result),
		msg.ProcessingTimeMs, formatTime(s.now()), claimant, s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to finish job %s: %w", msg.JobID, err)
	}
	return n == 1, nil
}

// Requeue returns an orphaned running job to the head of the queue. With
// maxAttempts > 0 a job that already used them is failed instead. refund
// gives back the attempt counted by the claim, for jobs that never reached
// a worker.
func (s *JobStore) Requeue(ctx context.Context, jobID, claimant string, maxAttempts int, refund bool) (RequeueOutcome, error) {
	keys := []string{
		JobKey(s.kind, jobID), RunningKey(s.kind), ActiveKey(s.kind), QueuedKey(s.kind), StatsKey(s.kind),
	}
	refundArg := "0"
	if refund {
		refundArg = "1"
	}
	n, err := requeueScript.Run(ctx, s.rdb, keys,
		jobID, claimant, formatTime(s.now()), maxAttempts,
		fmt.Sprintf("exceeded max attempts (%d)", maxAttempts), refundArg,
	).Int()
	if err != nil {
		return RequeueNoop, fmt.Errorf("failed to requeue job %s: %w", jobID, err)
	}
	return RequeueOutcome(n), nil
}

// UpdateProgress records progress for a running job
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, progress float64) (bool, error) {
	n, err := progressScript.Run(ctx, s.rdb, []string{JobKey(s.kind, jobID)},
		strconv.FormatFloat(progress, 'f', -1, 64), formatTime(s.now()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to update progress for %s: %w", jobID, err)
	}
	return n == 1, nil
}

// Get loads one job record
func (s *JobStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	values, err := s.rdb.HGetAll(ctx, JobKey(s.kind, jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, ErrNotFound
	}
	return jobFromHash(values)
}

// Exists reports whether a job record is stored
func (s *JobStore) Exists(ctx context.Context, jobID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, JobKey(s.kind, jobID)).Result()
	return n > 0, err
}

func (s *JobStore) getMany(ctx context.Context, ids []string) ([]*model.Job, error) {
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, JobKey(s.kind, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}
	jobs := make([]*model.Job, 0, len(ids))
	for i, cmd := range cmds {
		values := cmd.Val()
		if len(values) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ids[i])
		}
		job, err := jobFromHash(values)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RunningClaims returns jobId → claimant for every job marked running
func (s *JobStore) RunningClaims(ctx context.Context) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, RunningKey(s.kind)).Result()
}

// ActiveCount returns the number of dispatched, non-terminal jobs for a trajectory
func (s *JobStore) ActiveCount(ctx context.Context, trajectoryID string) (int64, error) {
	n, err := s.rdb.HGet(ctx, ActiveKey(s.kind), trajectoryID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// Status returns queue counts
func (s *JobStore) Status(ctx context.Context) (model.QueueStatus, error) {
	pipe := s.rdb.Pipeline()
	queued := pipe.LLen(ctx, QueuedKey(s.kind))
	running := pipe.HLen(ctx, RunningKey(s.kind))
	stats := pipe.HMGet(ctx, StatsKey(s.kind), string(model.JobStatusCompleted), string(model.JobStatusFailed))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return model.QueueStatus{}, fmt.Errorf("failed to read queue status: %w", err)
	}
	st := model.QueueStatus{Queued: queued.Val(), Running: running.Val()}
	vals := stats.Val()
	st.Completed = parseCount(vals[0])
	st.Failed = parseCount(vals[1])
	return st, nil
}

// AcquireStartupLock takes the TTL-bounded recovery lock for this kind
func (s *JobStore) AcquireStartupLock(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, StartupLockKey(s.kind), owner, ttl).Result()
}

// ReleaseStartupLock drops the lock if owner still holds it
func (s *JobStore) ReleaseStartupLock(ctx context.Context, owner string) error {
	return releaseLockScript.Run(ctx, s.rdb, []string{StartupLockKey(s.kind)}, owner).Err()
}

func parseCount(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
