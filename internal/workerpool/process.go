package workerpool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/opendxa/processing/internal/model"
)

// ProcessSpawner re-executes a binary as an isolated worker process. Jobs go
// in as JSON lines on stdin and messages come back as JSON lines on stdout.
type ProcessSpawner struct {
	Path        string
	Args        []string
	MaxMemoryMB int
	Env         []string
}

// NewProcessSpawner spawns `<self> worker --kind <kind>` processes
func NewProcessSpawner(kind model.Kind, maxMemoryMB int) (*ProcessSpawner, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}
	return &ProcessSpawner{
		Path:        self,
		Args:        []string{"worker", "--kind", string(kind)},
		MaxMemoryMB: maxMemoryMB,
	}, nil
}

func (s *ProcessSpawner) Spawn(ctx context.Context, slotID int) (Worker, error) {
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	if s.MaxMemoryMB > 0 {
		cmd.Env = append(cmd.Env, fmt.Sprintf("GOMEMLIMIT=%dMiB", s.MaxMemoryMB))
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	w := &processWorker{
		cmd:   cmd,
		stdin: stdin,
		enc:   json.NewEncoder(stdin),
		out:   make(chan model.WorkerMessage, 16),
		done:  make(chan struct{}),
	}
	go w.read(stdout, slotID)

	// Kill the child if the pool's context goes away before it exits.
	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.done:
		}
	}()

	log.Debug().
		Int("slot", slotID).
		Int("pid", cmd.Process.Pid).
		Msg("Worker process started")
	return w, nil
}

type processWorker struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	enc   *json.Encoder
	out   chan model.WorkerMessage
	done  chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

func (w *processWorker) read(stdout io.Reader, slotID int) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var msg model.WorkerMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			log.Warn().Err(err).Int("slot", slotID).Msg("Discarding malformed worker output")
			continue
		}
		w.out <- msg
	}
	close(w.out)

	err := w.cmd.Wait()
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	close(w.done)
}

func (w *processWorker) Send(msg model.PoolMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(msg); err != nil {
		return fmt.Errorf("failed to write job to worker: %w", err)
	}
	return nil
}

func (w *processWorker) Messages() <-chan model.WorkerMessage { return w.out }
func (w *processWorker) Done() <-chan struct{}                { return w.done }

func (w *processWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Stop closes stdin and kills the process
func (w *processWorker) Stop() {
	w.once.Do(func() {
		_ = w.stdin.Close()
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
	})
}
