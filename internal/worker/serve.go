package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/opendxa/processing/internal/model"
)

// Serve is the worker-process loop: it reads one job message per line from
// in, runs it and writes messages to out as JSON lines. It returns nil when
// in is closed. Stdout belongs to the protocol, so logs go to stderr.
func Serve(ctx context.Context, in io.Reader, out io.Writer, reg *Registry) error {
	var mu sync.Mutex
	enc := json.NewEncoder(out)
	emit := func(msg model.WorkerMessage) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(msg); err != nil {
			log.Error().Err(err).Str("job_id", msg.JobID).Msg("Failed to write worker message")
		}
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var msg model.PoolMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return fmt.Errorf("malformed pool message: %w", err)
		}
		if err := msg.Validate(); err != nil {
			return err
		}
		Run(ctx, reg, msg.Job, emit)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read pool messages: %w", err)
	}
	return nil
}
