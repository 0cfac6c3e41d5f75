// Package workerpool owns the bounded, elastic set of worker slots behind a
// processing queue: it hands one job at a time to each slot, notices when a
// worker dies and keeps crash loops from hot-respawning.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opendxa/processing/internal/model"
)

var (
	ErrNoIdleWorker = errors.New("no idle worker")
	ErrPoolClosed   = errors.New("worker pool is shut down")
)

// Config holds the pool sizing and crash-loop settings
type Config struct {
	Kind                  model.Kind
	MinWorkers            int
	MaxWorkers            int
	IdleTTL               time.Duration
	CrashWindow           time.Duration
	MaxConsecutiveCrashes int
	CrashBackoff          time.Duration
	// MaxBackoff caps the doubling backoff. Defaults to CrashWindow.
	MaxBackoff time.Duration
}

type slotState int

const (
	slotEmpty slotState = iota
	slotIdle
	slotBusy
	slotCrashed
)

func (s slotState) String() string {
	switch s {
	case slotIdle:
		return "idle"
	case slotBusy:
		return "busy"
	case slotCrashed:
		return "crashed"
	}
	return "empty"
}

type slot struct {
	id                 int
	state              slotState
	worker             Worker
	currentJobID       string
	consecutiveCrashes int
	lastCrashAt        time.Time
	trips              int
	idleSince          time.Time
}

// SlotInfo is a point-in-time view of one slot
type SlotInfo struct {
	ID                 int    `json:"id"`
	State              string `json:"state"`
	JobID              string `json:"jobId,omitempty"`
	ConsecutiveCrashes int    `json:"consecutiveCrashes"`
}

// Pool manages the worker slots of one queue kind
type Pool struct {
	cfg     Config
	spawner Spawner
	crashes CrashCounter
	logger  zerolog.Logger

	mu     sync.Mutex
	slots  []*slot
	closed bool
	// jobs whose terminal event is released from a slot but not yet delivered
	reporting map[string]int

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// New creates a pool. A nil crash counter falls back to an in-memory one.
func New(cfg Config, spawner Spawner, crashes CrashCounter) *Pool {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.MinWorkers > cfg.MaxWorkers {
		cfg.MinWorkers = cfg.MaxWorkers
	}
	if cfg.MaxConsecutiveCrashes < 1 {
		cfg.MaxConsecutiveCrashes = 1
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = cfg.CrashWindow
	}
	if crashes == nil {
		crashes = NewMemoryCrashCounter()
	}

	slots := make([]*slot, cfg.MaxWorkers)
	for i := range slots {
		slots[i] = &slot{id: i}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:       cfg,
		spawner:   spawner,
		crashes:   crashes,
		logger:    log.With().Str("component", "workerpool").Str("queue", string(cfg.Kind)).Logger(),
		slots:     slots,
		reporting: make(map[string]int),
		events:    make(chan Event, 256),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}
}

// Start warms MinWorkers slots and starts the idle reaper
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	p.cancel()
	p.ctx, p.cancel = context.WithCancel(ctx)
	err := p.warmLocked()
	p.mu.Unlock()

	if p.cfg.IdleTTL > 0 {
		p.wg.Add(1)
		go p.reapLoop()
	}
	return err
}

// Events streams progress, terminal, crash and ready events
func (p *Pool) Events() <-chan Event {
	return p.events
}

// Available returns how many jobs the pool can accept right now
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	n := 0
	for _, s := range p.slots {
		if s.state == slotIdle || s.state == slotEmpty {
			n++
		}
	}
	return n
}

// Dispatch hands job to an idle slot, spawning a worker if needed
func (p *Pool) Dispatch(job *model.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}

	s := p.pickLocked()
	if s == nil {
		return ErrNoIdleWorker
	}
	if s.state == slotEmpty {
		if err := p.spawnLocked(s); err != nil {
			return err
		}
	}

	w := s.worker
	if err := w.Send(model.NewJobMessage(job)); err != nil {
		s.worker = nil
		s.state = slotEmpty
		w.Stop()
		return fmt.Errorf("failed to hand job %s to slot %d: %w", job.JobID, s.id, err)
	}
	s.state = slotBusy
	s.currentJobID = job.JobID

	p.logger.Debug().
		Int("slot", s.id).
		Str("job_id", job.JobID).
		Msg("Job dispatched")
	return nil
}

// Claims reports whether a live slot is running jobID or its result is
// still on the way to the event stream
func (p *Pool) Claims(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reporting[jobID] > 0 {
		return true
	}
	for _, s := range p.slots {
		if s.state == slotBusy && s.currentJobID == jobID {
			return true
		}
	}
	return false
}

// Snapshot returns the state of every slot
func (p *Pool) Snapshot() []SlotInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SlotInfo, len(p.slots))
	for i, s := range p.slots {
		out[i] = SlotInfo{
			ID:                 s.id,
			State:              s.state.String(),
			JobID:              s.currentJobID,
			ConsecutiveCrashes: s.consecutiveCrashes,
		}
	}
	return out
}

// Shutdown stops every worker and waits for the monitors to exit
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	var workers []Worker
	for _, s := range p.slots {
		if s.worker != nil {
			workers = append(workers, s.worker)
		}
	}
	p.mu.Unlock()

	p.cancel()
	for _, w := range workers {
		w.Stop()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pickLocked prefers a warm idle worker over spawning a new one
func (p *Pool) pickLocked() *slot {
	var empty *slot
	for _, s := range p.slots {
		switch s.state {
		case slotIdle:
			return s
		case slotEmpty:
			if empty == nil {
				empty = s
			}
		}
	}
	return empty
}

func (p *Pool) spawnLocked(s *slot) error {
	w, err := p.spawner.Spawn(p.ctx, s.id)
	if err != nil {
		return fmt.Errorf("failed to spawn worker for slot %d: %w", s.id, err)
	}
	s.worker = w
	s.state = slotIdle
	s.idleSince = p.now()
	p.wg.Add(1)
	go p.monitor(s, w)
	return nil
}

// warmLocked spawns workers until MinWorkers slots are live
func (p *Pool) warmLocked() error {
	if p.closed {
		return nil
	}
	live := 0
	for _, s := range p.slots {
		if s.state == slotIdle || s.state == slotBusy {
			live++
		}
	}
	for _, s := range p.slots {
		if live >= p.cfg.MinWorkers {
			break
		}
		if s.state != slotEmpty {
			continue
		}
		if err := p.spawnLocked(s); err != nil {
			return err
		}
		live++
	}
	return nil
}

func (p *Pool) monitor(s *slot, w Worker) {
	defer p.wg.Done()
	for msg := range w.Messages() {
		p.handleMessage(s, w, msg)
	}
	<-w.Done()
	p.handleExit(s, w, w.Err())
}

func (p *Pool) handleMessage(s *slot, w Worker, msg model.WorkerMessage) {
	if err := msg.Validate(); err != nil {
		if !msg.Terminal() || !p.holds(s, w, msg.JobID) {
			p.logger.Warn().Err(err).Int("slot", s.id).Msg("Ignoring invalid worker message")
			return
		}
		// A malformed result for the held job still ends it
		p.logger.Warn().Err(err).Int("slot", s.id).Str("job_id", msg.JobID).Msg("Invalid worker result, failing job")
		msg = model.FailedMessage(msg.JobID, "invalid worker result: "+err.Error(), msg.ProcessingTimeMs)
	}

	p.mu.Lock()
	if s.worker != w || s.state != slotBusy || s.currentJobID != msg.JobID {
		p.mu.Unlock()
		p.logger.Debug().
			Int("slot", s.id).
			Str("job_id", msg.JobID).
			Str("type", string(msg.Type)).
			Msg("Ignoring message for job the slot does not hold")
		return
	}
	if msg.Type == model.MessageTypeProgress {
		p.mu.Unlock()
		p.emit(Event{Type: EventProgress, SlotID: s.id, JobID: msg.JobID, Message: msg})
		return
	}

	// Release the slot before anyone hears about the result so a failure
	// further down the completion path cannot leave it busy.
	s.state = slotIdle
	s.currentJobID = ""
	s.idleSince = p.now()
	s.consecutiveCrashes = 0
	s.trips = 0
	p.reporting[msg.JobID]++
	p.mu.Unlock()

	if err := p.crashes.Reset(p.ctx, s.id); err != nil {
		p.logger.Warn().Err(err).Int("slot", s.id).Msg("Failed to reset crash counter")
	}

	typ := EventCompleted
	if msg.Type == model.MessageTypeFailed {
		typ = EventFailed
	}
	p.emit(Event{Type: typ, SlotID: s.id, JobID: msg.JobID, Message: msg})

	p.mu.Lock()
	if p.reporting[msg.JobID]--; p.reporting[msg.JobID] <= 0 {
		delete(p.reporting, msg.JobID)
	}
	p.mu.Unlock()
}

// holds reports whether w is the slot's live worker and is running jobID
func (p *Pool) holds(s *slot, w Worker, jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return s.worker == w && s.state == slotBusy && s.currentJobID == jobID
}

func (p *Pool) handleExit(s *slot, w Worker, exitErr error) {
	p.mu.Lock()
	if s.worker != w {
		// reaped or replaced
		p.mu.Unlock()
		return
	}
	jobID := s.currentJobID
	crashed := s.state == slotBusy || exitErr != nil
	s.worker = nil
	s.currentJobID = ""
	if p.closed || !crashed {
		s.state = slotEmpty
		closed := p.closed
		p.mu.Unlock()
		if !closed {
			p.emit(Event{Type: EventReady, SlotID: s.id})
		}
		return
	}
	s.state = slotCrashed
	fallback := s.consecutiveCrashes + 1
	if !s.lastCrashAt.IsZero() && p.now().Sub(s.lastCrashAt) > p.cfg.CrashWindow {
		fallback = 1
	}
	p.mu.Unlock()

	if exitErr == nil {
		exitErr = errors.New("worker exited without reporting a result")
	}

	count, err := p.crashes.Incr(p.ctx, s.id, p.cfg.CrashWindow)
	if err != nil {
		p.logger.Warn().Err(err).Int("slot", s.id).Msg("Failed to record crash, using local count")
		count = fallback
	}

	p.mu.Lock()
	if count == 1 {
		s.trips = 0
	}
	s.consecutiveCrashes = count
	s.lastCrashAt = p.now()
	var backoff time.Duration
	if count >= p.cfg.MaxConsecutiveCrashes {
		s.trips++
		backoff = p.backoff(s.trips)
	}
	if p.closed {
		s.state = slotEmpty
		backoff = 0
	} else if backoff > 0 {
		time.AfterFunc(backoff, func() { p.endBackoff(s) })
	} else {
		s.state = slotEmpty
		if err := p.warmLocked(); err != nil {
			p.logger.Error().Err(err).Msg("Failed to respawn worker")
		}
	}
	p.mu.Unlock()

	ev := p.logger.Warn()
	if backoff > 0 {
		ev = p.logger.Error()
	}
	ev.Err(exitErr).
		Int("slot", s.id).
		Str("job_id", jobID).
		Int("consecutive_crashes", count).
		Dur("backoff", backoff).
		Msg("Worker crashed")

	p.emit(Event{Type: EventCrashed, SlotID: s.id, JobID: jobID, Err: exitErr})
}

func (p *Pool) endBackoff(s *slot) {
	p.mu.Lock()
	if p.closed || s.state != slotCrashed {
		p.mu.Unlock()
		return
	}
	s.state = slotEmpty
	if err := p.warmLocked(); err != nil {
		p.logger.Error().Err(err).Msg("Failed to respawn worker after backoff")
	}
	p.mu.Unlock()

	p.logger.Info().Int("slot", s.id).Msg("Slot left crash backoff")
	p.emit(Event{Type: EventReady, SlotID: s.id})
}

// backoff doubles CrashBackoff per repeated trip, capped at MaxBackoff
func (p *Pool) backoff(trips int) time.Duration {
	d := p.cfg.CrashBackoff
	limit := p.cfg.MaxBackoff
	if limit < d {
		limit = d
	}
	for i := 1; i < trips && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

func (p *Pool) reapLoop() {
	defer p.wg.Done()
	interval := p.cfg.IdleTTL / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

// reapIdle tears down idle workers beyond MinWorkers that sat unused for IdleTTL
func (p *Pool) reapIdle() {
	p.mu.Lock()
	live := 0
	for _, s := range p.slots {
		if s.state == slotIdle || s.state == slotBusy {
			live++
		}
	}
	now := p.now()
	var victims []Worker
	for i := len(p.slots) - 1; i >= 0 && live > p.cfg.MinWorkers; i-- {
		s := p.slots[i]
		if s.state == slotIdle && now.Sub(s.idleSince) >= p.cfg.IdleTTL {
			victims = append(victims, s.worker)
			s.worker = nil
			s.state = slotEmpty
			live--
		}
	}
	p.mu.Unlock()

	for _, w := range victims {
		w.Stop()
	}
	if len(victims) > 0 {
		p.logger.Debug().Int("reaped", len(victims)).Msg("Reaped idle workers")
	}
}

func (p *Pool) emit(ev Event) {
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
	}
}
