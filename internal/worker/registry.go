// Package worker is the job-execution side of a worker slot: it decodes one
// job, runs the handler for its kind and reports progress and exactly one
// terminal result.
package worker

import (
	"context"
	"fmt"

	"github.com/opendxa/processing/internal/model"
)

// ProgressFunc reports job progress in [0, 1]
type ProgressFunc func(progress float64)

// Handler executes the domain logic of one job kind. The returned result is
// marshalled to JSON and stored on the job.
type Handler interface {
	Handle(ctx context.Context, job *model.Job, payload model.Payload, report ProgressFunc) (any, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *model.Job, payload model.Payload, report ProgressFunc) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, job *model.Job, payload model.Payload, report ProgressFunc) (any, error) {
	return f(ctx, job, payload, report)
}

// Registry maps job kinds to handlers
type Registry struct {
	handlers map[model.Kind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.Kind]Handler)}
}

// Register sets the handler for kind
func (r *Registry) Register(kind model.Kind, h Handler) {
	r.handlers[kind] = h
}

// Handler returns the handler for kind
func (r *Registry) Handler(kind model.Kind) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no handler for %q", model.ErrUnknownKind, kind)
	}
	return h, nil
}

// Validate fails unless every kind has a handler
func (r *Registry) Validate(kinds ...model.Kind) error {
	for _, k := range kinds {
		if _, err := r.Handler(k); err != nil {
			return err
		}
	}
	return nil
}

// Exec runs a job and matches workerpool.ExecFunc
func (r *Registry) Exec(ctx context.Context, job *model.Job, emit func(model.WorkerMessage)) {
	Run(ctx, r, job, emit)
}
