package model

import (
	"encoding/json"
	"time"
)

// Pub/sub channels
const (
	ChannelJobUpdates        = "job_updates"
	ChannelTrajectoryUpdates = "trajectory_updates"
)

// Job event types carried in NormalizedJobEvent.Type
const (
	EventTypeJobStatus        = "job_status"
	EventTypeJobProgress      = "job_progress"
	EventTypeSessionCompleted = "session_completed"
)

// Socket event names re-emitted to team rooms
const (
	SocketEventJobUpdate               = "job_update"
	SocketEventSessionCompleted        = "trajectory_session_completed"
	SocketEventTrajectoryStatusUpdated = "trajectory_status_updated"
	SocketEventPing                    = "ping"
	SocketEventPong                    = "pong"
)

// NormalizedJobEvent is the payload published on job_updates
type NormalizedJobEvent struct {
	JobID            string          `json:"jobId,omitempty"`
	Status           string          `json:"status"`
	Progress         float64         `json:"progress"`
	Name             string          `json:"name,omitempty"`
	Message          string          `json:"message,omitempty"`
	TrajectoryID     string          `json:"trajectoryId,omitempty"`
	TrajectoryName   string          `json:"trajectoryName,omitempty"`
	AnalysisID       string          `json:"analysisId,omitempty"`
	Timestep         *int            `json:"timestep,omitempty"`
	SessionID        string          `json:"sessionId,omitempty"`
	SessionStartTime *time.Time      `json:"sessionStartTime,omitempty"`
	Timestamp        string          `json:"timestamp"`
	QueueType        Kind            `json:"queueType"`
	Type             string          `json:"type"`
	Error            string          `json:"error,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	ProcessingTimeMs int64           `json:"processingTimeMs,omitempty"`
}

// JobUpdateEnvelope wraps a job event with its routing key
type JobUpdateEnvelope struct {
	TeamID  string             `json:"teamId"`
	Payload NormalizedJobEvent `json:"payload"`
}

// TrajectoryUpdate is published on trajectory_updates
type TrajectoryUpdate struct {
	TrajectoryID string    `json:"trajectoryId"`
	Status       string    `json:"status"`
	TeamID       string    `json:"teamId"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// SocketMessage is what clients receive over the websocket
type SocketMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// TeamRoom returns the socket room name for a team
func TeamRoom(teamID string) string {
	return "team-" + teamID
}
