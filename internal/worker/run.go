package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opendxa/processing/internal/model"
)

// Run executes job with the registered handler and emits exactly one
// terminal message. A panic in the handler is not recovered: it kills the
// worker and the pool treats it as a crash.
func Run(ctx context.Context, reg *Registry, job *model.Job, emit func(model.WorkerMessage)) {
	start := time.Now()
	elapsed := func() int64 { return time.Since(start).Milliseconds() }

	logger := log.With().
		Str("job_id", job.JobID).
		Str("kind", string(job.Kind)).
		Logger()

	fail := func(err error) {
		logger.Error().Err(err).Msg("Job failed")
		emit(model.FailedMessage(job.JobID, errorText(err), elapsed()))
	}

	payload, err := model.DecodePayload(job.Kind, job.Payload)
	if err != nil {
		fail(err)
		return
	}
	h, err := reg.Handler(job.Kind)
	if err != nil {
		fail(err)
		return
	}

	logger.Info().Int("attempt", job.Attempts).Msg("Starting job")

	last := -1.0
	report := func(p float64) {
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
		// drop repeats so chatty tools don't flood the pool
		if p == last {
			return
		}
		last = p
		emit(model.ProgressMessage(job.JobID, p))
	}

	result, err := h.Handle(ctx, job, payload, report)
	if err != nil {
		fail(err)
		return
	}

	var raw json.RawMessage
	if result != nil {
		raw, err = json.Marshal(result)
		if err != nil {
			fail(fmt.Errorf("failed to encode result: %w", err))
			return
		}
	}
	logger.Info().Int64("processing_time_ms", elapsed()).Msg("Job completed")
	emit(model.CompletedMessage(job.JobID, raw, elapsed()))
}

// errorText never returns an empty string; failed messages require one
func errorText(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fmt.Sprintf("job failed (%T)", err)
}
