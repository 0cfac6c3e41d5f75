package model

import (
	"errors"
	"fmt"
)

var ErrUnknownKind = errors.New("unknown job kind")

// Kind discriminates which queue a job belongs to
type Kind string

const (
	KindAnalysis             Kind = "analysis"
	KindRasterization        Kind = "rasterization"
	KindTrajectoryProcessing Kind = "trajectory-processing"
	KindSSHImport            Kind = "ssh-import"
	KindCloudUpload          Kind = "cloud-upload"
)

// Kinds lists every job kind in the order queues are registered and
// consulted by the trajectory status aggregator.
var Kinds = []Kind{
	KindTrajectoryProcessing,
	KindAnalysis,
	KindRasterization,
	KindSSHImport,
	KindCloudUpload,
}

// ParseKind validates a kind string
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	switch k {
	case KindAnalysis, KindRasterization, KindTrajectoryProcessing, KindSSHImport, KindCloudUpload:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Job status
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is possible
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Session status
type SessionStatus string

const (
	SessionStatusActive  SessionStatus = "active"
	SessionStatusCleaned SessionStatus = "cleaned"
)

// Trajectory-facing statuses
const (
	TrajectoryStatusQueued     = "queued"
	TrajectoryStatusProcessing = "processing"
	TrajectoryStatusAnalyzing  = "analyzing"
	TrajectoryStatusRendering  = "rendering"
	TrajectoryStatusImporting  = "importing"
	TrajectoryStatusUploading  = "uploading"
	TrajectoryStatusCompleted  = "completed"
	TrajectoryStatusFailed     = "failed"
)

// runningStatus is the trajectory status shown while a job of the kind runs.
var runningStatus = map[Kind]string{
	KindTrajectoryProcessing: TrajectoryStatusProcessing,
	KindAnalysis:             TrajectoryStatusAnalyzing,
	KindRasterization:        TrajectoryStatusRendering,
	KindSSHImport:            TrajectoryStatusImporting,
	KindCloudUpload:          TrajectoryStatusUploading,
}

// MappedStatus translates an internal job status into the trajectory status
// string for this kind. Unknown strings map to themselves.
func (k Kind) MappedStatus(internal string) string {
	switch JobStatus(internal) {
	case JobStatusQueued:
		return TrajectoryStatusQueued
	case JobStatusRunning:
		if s, ok := runningStatus[k]; ok {
			return s
		}
		return TrajectoryStatusProcessing
	case JobStatusCompleted:
		return TrajectoryStatusCompleted
	case JobStatusFailed:
		return TrajectoryStatusFailed
	}
	return internal
}
