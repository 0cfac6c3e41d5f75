package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is bumped whenever the pool/worker message shape changes
const ProtocolVersion = 1

var ErrProtocolVersion = errors.New("worker protocol version mismatch")

// IPC message types
type MessageType string

const (
	MessageTypeJob       MessageType = "job"
	MessageTypeProgress  MessageType = "progress"
	MessageTypeCompleted MessageType = "completed"
	MessageTypeFailed    MessageType = "failed"
)

// PoolMessage is sent from the pool to a worker, one per dispatch
type PoolMessage struct {
	Version int         `json:"v"`
	Type    MessageType `json:"type"`
	Job     *Job        `json:"job"`
}

// NewJobMessage wraps a job for dispatch
func NewJobMessage(job *Job) PoolMessage {
	return PoolMessage{Version: ProtocolVersion, Type: MessageTypeJob, Job: job}
}

// Validate checks version and shape
func (m PoolMessage) Validate() error {
	if m.Version != ProtocolVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrProtocolVersion, m.Version, ProtocolVersion)
	}
	switch m.Type {
	case MessageTypeJob:
		if m.Job == nil || m.Job.JobID == "" {
			return fmt.Errorf("job message without job")
		}
		return nil
	}
	return fmt.Errorf("unexpected pool message type %q", m.Type)
}

// WorkerMessage is sent from a worker back to its pool
type WorkerMessage struct {
	Version          int             `json:"v"`
	Type             MessageType     `json:"type"`
	JobID            string          `json:"jobId"`
	Progress         float64         `json:"progress,omitempty"`
	Error            string          `json:"error,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	ProcessingTimeMs int64           `json:"processingTimeMs,omitempty"`
}

// Validate checks version and shape
func (m WorkerMessage) Validate() error {
	if m.Version != ProtocolVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrProtocolVersion, m.Version, ProtocolVersion)
	}
	if m.JobID == "" {
		return fmt.Errorf("%s message without jobId", m.Type)
	}
	switch m.Type {
	case MessageTypeProgress:
		if m.Progress < 0 || m.Progress > 1 {
			return fmt.Errorf("progress %v out of range", m.Progress)
		}
		return nil
	case MessageTypeCompleted:
		return nil
	case MessageTypeFailed:
		if m.Error == "" {
			return fmt.Errorf("failed message without error")
		}
		return nil
	}
	return fmt.Errorf("unexpected worker message type %q", m.Type)
}

// Terminal reports whether the message ends the job
func (m WorkerMessage) Terminal() bool {
	return m.Type == MessageTypeCompleted || m.Type == MessageTypeFailed
}

func ProgressMessage(jobID string, progress float64) WorkerMessage {
	return WorkerMessage{Version: ProtocolVersion, Type: MessageTypeProgress, JobID: jobID, Progress: progress}
}

func CompletedMessage(jobID string, result json.RawMessage, elapsedMs int64) WorkerMessage {
	return WorkerMessage{
		Version:          ProtocolVersion,
		Type:             MessageTypeCompleted,
		JobID:            jobID,
		Result:           result,
		ProcessingTimeMs: elapsedMs,
	}
}

func FailedMessage(jobID, errMsg string, elapsedMs int64) WorkerMessage {
	return WorkerMessage{
		Version:          ProtocolVersion,
		Type:             MessageTypeFailed,
		JobID:            jobID,
		Error:            errMsg,
		ProcessingTimeMs: elapsedMs,
	}
}
