package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/opendxa/processing/internal/model"
)

// Worker is one live worker bound to a slot. It accepts one job message at a
// time and streams progress and terminal messages back.
type Worker interface {
	Send(msg model.PoolMessage) error
	Messages() <-chan model.WorkerMessage
	// Done is closed once the worker has exited and Messages is drained
	Done() <-chan struct{}
	// Err is the exit error, valid after Done
	Err() error
	Stop()
}

// Spawner starts workers for pool slots
type Spawner interface {
	Spawn(ctx context.Context, slotID int) (Worker, error)
}

// ExecFunc runs one job to completion, emitting messages as it goes
type ExecFunc func(ctx context.Context, job *model.Job, emit func(model.WorkerMessage))

// GoroutineSpawner runs workers in-process. A panic inside exec kills the
// worker the same way an uncaught exception kills a worker process.
type GoroutineSpawner struct {
	Exec ExecFunc
}

func NewGoroutineSpawner(exec ExecFunc) *GoroutineSpawner {
	return &GoroutineSpawner{Exec: exec}
}

func (s *GoroutineSpawner) Spawn(ctx context.Context, slotID int) (Worker, error) {
	if s.Exec == nil {
		return nil, fmt.Errorf("goroutine spawner has no exec func")
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &goroutineWorker{
		jobs:   make(chan *model.Job, 1),
		out:    make(chan model.WorkerMessage, 16),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go w.run(wctx, s.Exec)
	return w, nil
}

type goroutineWorker struct {
	jobs   chan *model.Job
	out    chan model.WorkerMessage
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (w *goroutineWorker) run(ctx context.Context, exec ExecFunc) {
	defer close(w.done)
	defer close(w.out)
	defer func() {
		if r := recover(); r != nil {
			w.mu.Lock()
			w.err = fmt.Errorf("worker panic: %v\n%s", r, debug.Stack())
			w.mu.Unlock()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.jobs:
			exec(ctx, job, func(msg model.WorkerMessage) {
				select {
				case w.out <- msg:
				case <-ctx.Done():
				}
			})
		}
	}
}

func (w *goroutineWorker) Send(msg model.PoolMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	select {
	case <-w.done:
		return fmt.Errorf("worker exited")
	case w.jobs <- msg.Job:
		return nil
	default:
		return fmt.Errorf("worker already has a pending job")
	}
}

func (w *goroutineWorker) Messages() <-chan model.WorkerMessage { return w.out }
func (w *goroutineWorker) Done() <-chan struct{}                { return w.done }
func (w *goroutineWorker) Stop()                                { w.cancel() }

func (w *goroutineWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
