package model

import (
	"encoding/json"
	"time"
)

// Job represents a background job in the system
type Job struct {
	JobID            string          `json:"jobId"`
	TeamID           string          `json:"teamId"`
	TrajectoryID     string          `json:"trajectoryId,omitempty"`
	TrajectoryName   string          `json:"trajectoryName,omitempty"`
	SessionID        string          `json:"sessionId,omitempty"`
	SessionStartTime *time.Time      `json:"sessionStartTime,omitempty"`
	Kind             Kind            `json:"kind"`
	Name             string          `json:"name,omitempty"`
	Message          string          `json:"message,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Status           JobStatus       `json:"status"`
	Progress         float64         `json:"progress"`
	Error            string          `json:"error,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	ProcessingTimeMs int64           `json:"processingTimeMs,omitempty"`
	Attempts         int             `json:"attempts"`
	ClaimedBy        string          `json:"claimedBy,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
}

// JobSubmission is what producers hand to AddJobs
type JobSubmission struct {
	JobID            string          `json:"jobId" validate:"required,max=128"`
	TeamID           string          `json:"teamId" validate:"required"`
	TrajectoryID     string          `json:"trajectoryId,omitempty" validate:"required_with=SessionID"`
	TrajectoryName   string          `json:"trajectoryName,omitempty"`
	SessionID        string          `json:"sessionId,omitempty"`
	SessionStartTime *time.Time      `json:"sessionStartTime,omitempty"`
	Name             string          `json:"name" validate:"max=256"`
	Message          string          `json:"message" validate:"max=1024"`
	Payload          json.RawMessage `json:"payload" validate:"required"`
}

// NewJob builds a queued job record of the given kind from a submission
func NewJob(kind Kind, sub JobSubmission, now time.Time) *Job {
	return &Job{
		JobID:            sub.JobID,
		TeamID:           sub.TeamID,
		TrajectoryID:     sub.TrajectoryID,
		TrajectoryName:   sub.TrajectoryName,
		SessionID:        sub.SessionID,
		SessionStartTime: sub.SessionStartTime,
		Kind:             kind,
		Name:             sub.Name,
		Message:          sub.Message,
		Payload:          sub.Payload,
		Status:           JobStatusQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// QueueStatus holds the per-queue job counts
type QueueStatus struct {
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Session is a batch of jobs sharing one originating operation
type Session struct {
	SessionID    string        `json:"sessionId"`
	StartTime    time.Time     `json:"startTime"`
	TotalJobs    int           `json:"totalJobs"`
	Remaining    int64         `json:"remaining"`
	TrajectoryID string        `json:"trajectoryId"`
	TeamID       string        `json:"teamId"`
	Status       SessionStatus `json:"status"`
}
