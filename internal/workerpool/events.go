package workerpool

import "github.com/opendxa/processing/internal/model"

// EventType classifies pool events
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	// EventCrashed means the worker died without a terminal message. JobID is
	// set when it died holding a job.
	EventCrashed EventType = "crashed"
	// EventReady means a slot left backoff or was freed without a job result
	EventReady EventType = "ready"
)

// Event is emitted by the pool to its queue
type Event struct {
	Type    EventType
	SlotID  int
	JobID   string
	Message model.WorkerMessage
	Err     error
}
