package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/opendxa/processing/internal/middleware"
	"github.com/opendxa/processing/internal/model"
	"github.com/opendxa/processing/internal/trajectory"
	"github.com/opendxa/processing/pkg/response"
)

// StatusReader computes a trajectory's aggregate status
type StatusReader interface {
	Compute(ctx context.Context, trajectoryID string) (string, []trajectory.Activity, error)
}

// HistoryReader lists archived jobs
type HistoryReader interface {
	ListByTrajectory(ctx context.Context, trajectoryID string, limit int) ([]*model.Job, error)
}

// TrajectoryStatusResponse is returned by GET /api/trajectories/:id/status
type TrajectoryStatusResponse struct {
	TrajectoryID string                `json:"trajectoryId"`
	Status       string                `json:"status"`
	Queues       []trajectory.Activity `json:"queues"`
}

type TrajectoryHandler struct {
	status  StatusReader
	history HistoryReader
}

// NewTrajectoryHandler builds the handler. history may be nil when no
// archive database is configured.
func NewTrajectoryHandler(status StatusReader, history HistoryReader) *TrajectoryHandler {
	return &TrajectoryHandler{status: status, history: history}
}

// Status handles GET /api/trajectories/:id/status
func (h *TrajectoryHandler) Status(c *fiber.Ctx) error {
	id := c.Params("id")
	status, activity, err := h.status.Compute(c.UserContext(), id)
	if err != nil {
		return response.ServiceError(c, "Failed to compute trajectory status")
	}
	return response.OK(c, TrajectoryStatusResponse{
		TrajectoryID: id,
		Status:       status,
		Queues:       activity,
	})
}

// Jobs handles GET /api/trajectories/:id/jobs
func (h *TrajectoryHandler) Jobs(c *fiber.Ctx) error {
	if h.history == nil {
		return response.Unavailable(c, "Job history is not configured")
	}

	jobs, err := h.history.ListByTrajectory(c.UserContext(), c.Params("id"), c.QueryInt("limit", 100))
	if err != nil {
		return response.ServiceError(c, "Failed to load job history")
	}

	claims := middleware.GetClaims(c)
	visible := make([]*model.Job, 0, len(jobs))
	for _, job := range jobs {
		if claims != nil && claims.InTeam(job.TeamID) {
			visible = append(visible, job)
		}
	}
	return response.OK(c, fiber.Map{"jobs": visible})
}
