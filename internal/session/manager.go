// Package session tracks multi-job batches and detects when the last job of
// a batch reaches a terminal state.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/opendxa/processing/internal/model"
	"github.com/opendxa/processing/internal/store"
)

// debounceTTL bounds how long a cleaned session id stays in the local set
const debounceTTL = 10 * time.Second

// Outcome of a session decrement
type Outcome string

const (
	OutcomeSkipped Outcome = "skipped"
	OutcomeMissing Outcome = "missing"
	OutcomePending Outcome = "pending"
	OutcomeCleaned Outcome = "cleaned"
)

// Result is returned by CheckAndCleanupSession
type Result struct {
	Outcome   Outcome
	Remaining int64
}

// cleanupScript decrements the counter and, on the zero-crossing, deletes the
// counter and metadata in the same step. Only one caller can ever see
// "cleaned" for a session. A missing counter is never decremented so an
// expired or already-cleaned session cannot fire again.
//
// KEYS[1] counter, KEYS[2] metadata
var cleanupScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {'missing', 0}
end
local remaining = redis.call('DECR', KEYS[1])
if remaining <= 0 then
  redis.call('DEL', KEYS[1], KEYS[2])
  return {'cleaned', 0}
end
return {'pending', remaining}
`)

// Manager performs atomic fan-in completion tracking for sessions
type Manager struct {
	rdb *redis.Client
	ttl time.Duration

	mu       sync.Mutex
	cleaning map[string]time.Time
	now      func() time.Time
}

func NewManager(rdb *redis.Client, ttl time.Duration) *Manager {
	return &Manager{
		rdb:      rdb,
		ttl:      ttl,
		cleaning: make(map[string]time.Time),
		now:      time.Now,
	}
}

// GenerateSessionID returns a timestamp plus random suffix id. Uniqueness is
// best-effort.
func GenerateSessionID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + hex.EncodeToString(b)
}

// InitializeSession writes the session metadata and its remaining counter in
// one transaction. An existing counter is left untouched.
func (m *Manager) InitializeSession(ctx context.Context, sessionID string, startTime time.Time, jobCount int, representative *model.Job) error {
	if sessionID == "" || jobCount <= 0 {
		return fmt.Errorf("invalid session %q with %d jobs", sessionID, jobCount)
	}
	fields := map[string]interface{}{
		"sessionId": sessionID,
		"startTime": startTime.UTC().Format(time.RFC3339Nano),
		"totalJobs": jobCount,
		"status":    string(model.SessionStatusActive),
	}
	if representative != nil {
		fields["trajectoryId"] = representative.TrajectoryID
		fields["teamId"] = representative.TeamID
	}

	metaKey := store.SessionKey(sessionID)
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, metaKey, fields)
	pipe.PExpire(ctx, metaKey, m.ttl)
	pipe.SetNX(ctx, store.SessionCounterKey(sessionID), jobCount, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to initialize session %s: %w", sessionID, err)
	}

	log.Debug().
		Str("session_id", sessionID).
		Int("jobs", jobCount).
		Msg("Session initialized")
	return nil
}

// Exists reports whether the session counter is present
func (m *Manager) Exists(ctx context.Context, sessionID string) (bool, error) {
	n, err := m.rdb.Exists(ctx, store.SessionCounterKey(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get loads a session record with its current remaining count
func (m *Manager) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	pipe := m.rdb.Pipeline()
	meta := pipe.HGetAll(ctx, store.SessionKey(sessionID))
	remaining := pipe.Get(ctx, store.SessionCounterKey(sessionID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	h := meta.Val()
	if len(h) == 0 {
		return nil, store.ErrNotFound
	}
	s := &model.Session{
		SessionID:    sessionID,
		TrajectoryID: h["trajectoryId"],
		TeamID:       h["teamId"],
		Status:       model.SessionStatus(h["status"]),
	}
	s.StartTime, _ = time.Parse(time.RFC3339Nano, h["startTime"])
	s.TotalJobs, _ = strconv.Atoi(h["totalJobs"])
	s.Remaining, _ = remaining.Int64()
	return s, nil
}

// CheckAndCleanupSession records one terminal job against its session.
// Jobs without a session or trajectory are skipped, as are sessions this
// process cleaned within the last few seconds.
func (m *Manager) CheckAndCleanupSession(ctx context.Context, job *model.Job) (Result, error) {
	if job.SessionID == "" || job.TrajectoryID == "" {
		return Result{Outcome: OutcomeSkipped}, nil
	}
	if m.recentlyCleaned(job.SessionID) {
		return Result{Outcome: OutcomeSkipped}, nil
	}

	keys := []string{store.SessionCounterKey(job.SessionID), store.SessionKey(job.SessionID)}
	vals, err := cleanupScript.Run(ctx, m.rdb, keys).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("failed to decrement session %s: %w", job.SessionID, err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("unexpected session script reply %v", vals)
	}
	outcome, _ := vals[0].(string)
	remaining, _ := vals[1].(int64)

	res := Result{Outcome: Outcome(outcome), Remaining: remaining}
	switch res.Outcome {
	case OutcomeCleaned:
		m.markCleaned(job.SessionID)
		log.Info().
			Str("session_id", job.SessionID).
			Str("trajectory_id", job.TrajectoryID).
			Msg("Session completed")
	case OutcomeMissing:
		log.Warn().
			Str("session_id", job.SessionID).
			Str("job_id", job.JobID).
			Msg("Session counter missing, skipping decrement")
	}
	return res, nil
}

func (m *Manager) recentlyCleaned(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.cleaning[sessionID]
	if !ok {
		return false
	}
	if m.now().Sub(at) > debounceTTL {
		delete(m.cleaning, sessionID)
		return false
	}
	return true
}

func (m *Manager) markCleaned(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, at := range m.cleaning {
		if now.Sub(at) > debounceTTL {
			delete(m.cleaning, id)
		}
	}
	m.cleaning[sessionID] = now
}
