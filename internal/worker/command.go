package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opendxa/processing/internal/model"
)

// Lines the external tools print on stdout
const (
	progressPrefix = "PROGRESS "
	resultPrefix   = "RESULT "
)

// CommandHandler runs an external executable for the CPU-bound kinds
// (analysis, rasterization, trajectory parsing). Tools write into the job's
// output directory, replacing earlier artifacts, so a reprocessed job leaves
// the same result behind.
type CommandHandler struct {
	Command string
	// DefaultTimeout applies when the payload leaves the timeout at 0.
	// Zero or negative means unbounded.
	DefaultTimeout time.Duration
}

// NewCommandHandler builds a handler. timeoutSeconds of -1 means unbounded.
func NewCommandHandler(command string, timeoutSeconds int) *CommandHandler {
	h := &CommandHandler{Command: command}
	if timeoutSeconds > 0 {
		h.DefaultTimeout = time.Duration(timeoutSeconds) * time.Second
	}
	return h
}

// CommandResult is stored on jobs that did not print a RESULT line
type CommandResult struct {
	OutputDir string `json:"outputDir"`
}

func (h *CommandHandler) Handle(ctx context.Context, job *model.Job, payload model.Payload, report ProgressFunc) (any, error) {
	args, outputDir, timeoutSeconds, err := commandArgs(payload)
	if err != nil {
		return nil, err
	}
	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output dir: %w", err)
		}
	}

	timeout := h.DefaultTimeout
	switch {
	case timeoutSeconds > 0:
		timeout = time.Duration(timeoutSeconds) * time.Second
	case timeoutSeconds < 0:
		timeout = 0
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, h.Command, args...)
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", h.Command, err)
	}

	var result json.RawMessage
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, progressPrefix):
			if p, err := strconv.ParseFloat(strings.TrimPrefix(line, progressPrefix), 64); err == nil {
				report(p)
			}
		case strings.HasPrefix(line, resultPrefix):
			raw := json.RawMessage(strings.TrimPrefix(line, resultPrefix))
			if json.Valid(raw) {
				result = raw
			}
		}
	}

	waitErr := cmd.Wait()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%s timed out after %s", h.Command, timeout)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			return nil, fmt.Errorf("%s failed: %w: %s", h.Command, waitErr, tail)
		}
		return nil, fmt.Errorf("%s failed: %w", h.Command, waitErr)
	}

	if result != nil {
		return result, nil
	}
	return CommandResult{OutputDir: outputDir}, nil
}

// commandArgs builds the tool arguments for a payload
func commandArgs(payload model.Payload) (args []string, outputDir string, timeoutSeconds int, err error) {
	switch p := payload.(type) {
	case *model.AnalysisPayload:
		args = []string{p.InputPath, p.OutputDir, "--modifier", p.Modifier, "--timestep", strconv.Itoa(p.Timestep)}
		if p.ConfigID != "" {
			args = append(args, "--config", p.ConfigID)
		}
		keys := make([]string, 0, len(p.Params))
		for k := range p.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			args = append(args, "--"+k, p.Params[k])
		}
		return args, p.OutputDir, p.TimeoutSeconds, nil
	case *model.RasterizationPayload:
		args = []string{p.InputPath, p.OutputDir, "--timestep", strconv.Itoa(p.Timestep)}
		if p.Width > 0 {
			args = append(args, "--width", strconv.Itoa(p.Width))
		}
		if p.Height > 0 {
			args = append(args, "--height", strconv.Itoa(p.Height))
		}
		return args, p.OutputDir, p.TimeoutSeconds, nil
	case *model.TrajectoryProcessingPayload:
		args = []string{p.InputPath, p.OutputDir}
		if len(p.Timesteps) > 0 {
			steps := make([]string, len(p.Timesteps))
			for i, ts := range p.Timesteps {
				steps[i] = strconv.Itoa(ts)
			}
			args = append(args, "--timesteps", strings.Join(steps, ","))
		}
		return args, p.OutputDir, p.TimeoutSeconds, nil
	}
	return nil, "", 0, fmt.Errorf("command handler cannot run %s jobs", payload.Kind())
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
