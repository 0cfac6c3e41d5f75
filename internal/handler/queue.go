package handler

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/opendxa/processing/internal/middleware"
	"github.com/opendxa/processing/internal/model"
	"github.com/opendxa/processing/internal/queue"
	"github.com/opendxa/processing/internal/store"
	"github.com/opendxa/processing/pkg/response"
)

// JobQueue is what the HTTP surface needs from a processing queue
type JobQueue interface {
	AddJobs(ctx context.Context, subs []model.JobSubmission) ([]*model.Job, error)
	GetStatus(ctx context.Context) (model.QueueStatus, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
}

// QueueLookup resolves the queue for a kind
type QueueLookup func(kind model.Kind) (JobQueue, bool)

// SubmitRequest is the body of POST /api/queues/:kind/jobs
type SubmitRequest struct {
	Jobs []model.JobSubmission `json:"jobs" validate:"required,min=1,max=1000,dive"`
}

// SubmitResponse lists the accepted jobs
type SubmitResponse struct {
	Jobs []SubmittedJob `json:"jobs"`
}

type SubmittedJob struct {
	JobID  string          `json:"jobId"`
	Status model.JobStatus `json:"status"`
}

type QueueHandler struct {
	lookup    QueueLookup
	validator *validator.Validate
}

func NewQueueHandler(lookup QueueLookup, v *validator.Validate) *QueueHandler {
	return &QueueHandler{
		lookup:    lookup,
		validator: v,
	}
}

func (h *QueueHandler) queue(c *fiber.Ctx) (JobQueue, bool) {
	kind, err := model.ParseKind(c.Params("kind"))
	if err != nil {
		return nil, false
	}
	return h.lookup(kind)
}

// Submit handles POST /api/queues/:kind/jobs
func (h *QueueHandler) Submit(c *fiber.Ctx) error {
	q, ok := h.queue(c)
	if !ok {
		return response.NotFound(c, "Unknown queue")
	}

	var req SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	claims := middleware.GetClaims(c)
	for _, sub := range req.Jobs {
		if claims == nil || !claims.InTeam(sub.TeamID) {
			return response.Forbidden(c, "Not a member of team "+sub.TeamID)
		}
	}

	jobs, err := q.AddJobs(c.UserContext(), req.Jobs)
	switch {
	case errors.Is(err, queue.ErrInvalidJob):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, store.ErrDuplicateJob):
		return response.Conflict(c, err.Error())
	case err != nil:
		return response.ServiceError(c, "Failed to queue jobs")
	}

	resp := SubmitResponse{Jobs: make([]SubmittedJob, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = SubmittedJob{JobID: job.JobID, Status: job.Status}
	}
	return response.Accepted(c, resp)
}

// Status handles GET /api/queues/:kind/status
func (h *QueueHandler) Status(c *fiber.Ctx) error {
	q, ok := h.queue(c)
	if !ok {
		return response.NotFound(c, "Unknown queue")
	}

	status, err := q.GetStatus(c.UserContext())
	if err != nil {
		return response.ServiceError(c, "Failed to read queue status")
	}
	return response.OK(c, status)
}

// Job handles GET /api/queues/:kind/jobs/:jobId
func (h *QueueHandler) Job(c *fiber.Ctx) error {
	q, ok := h.queue(c)
	if !ok {
		return response.NotFound(c, "Unknown queue")
	}
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := q.GetJob(c.UserContext(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		return response.NotFound(c, "Job not found")
	}
	if err != nil {
		return response.ServiceError(c, "Failed to load job")
	}

	// Jobs of other teams are reported as missing
	if claims := middleware.GetClaims(c); claims == nil || !claims.InTeam(job.TeamID) {
		return response.NotFound(c, "Job not found")
	}
	return response.OK(c, job)
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Namespace()] = e.Tag()
		}
		return errors
	}
	return nil
}
