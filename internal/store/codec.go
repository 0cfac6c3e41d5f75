package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/opendxa/processing/internal/model"
)

// jobFields flattens a job into the HSET field/value list used by the
// enqueue script. Optional fields are left out rather than stored empty.
func jobFields(job *model.Job) []string {
	f := []string{
		"jobId", job.JobID,
		"teamId", job.TeamID,
		"kind", string(job.Kind),
		"status", string(job.Status),
		"progress", strconv.FormatFloat(job.Progress, 'f', -1, 64),
		"attempts", strconv.Itoa(job.Attempts),
		"createdAt", formatTime(job.CreatedAt),
		"updatedAt", formatTime(job.UpdatedAt),
	}
	add := func(name, value string) {
		if value != "" {
			f = append(f, name, value)
		}
	}
	add("trajectoryId", job.TrajectoryID)
	add("trajectoryName", job.TrajectoryName)
	add("sessionId", job.SessionID)
	add("name", job.Name)
	add("message", job.Message)
	add("payload", string(job.Payload))
	add("error", job.Error)
	add("result", string(job.Result))
	add("claimedBy", job.ClaimedBy)
	if job.SessionStartTime != nil {
		f = append(f, "sessionStartTime", formatTime(*job.SessionStartTime))
	}
	if job.StartedAt != nil {
		f = append(f, "startedAt", formatTime(*job.StartedAt))
	}
	if job.ProcessingTimeMs > 0 {
		f = append(f, "processingTimeMs", strconv.FormatInt(job.ProcessingTimeMs, 10))
	}
	return f
}

func jobFromHash(h map[string]string) (*model.Job, error) {
	job := &model.Job{
		JobID:          h["jobId"],
		TeamID:         h["teamId"],
		TrajectoryID:   h["trajectoryId"],
		TrajectoryName: h["trajectoryName"],
		SessionID:      h["sessionId"],
		Kind:           model.Kind(h["kind"]),
		Name:           h["name"],
		Message:        h["message"],
		Status:         model.JobStatus(h["status"]),
		Error:          h["error"],
		ClaimedBy:      h["claimedBy"],
	}
	if v := h["payload"]; v != "" {
		job.Payload = json.RawMessage(v)
	}
	if v := h["result"]; v != "" {
		job.Result = json.RawMessage(v)
	}

	var err error
	if job.Progress, err = parseFloat(h["progress"]); err != nil {
		return nil, fmt.Errorf("job %s: bad progress: %w", job.JobID, err)
	}
	if v := h["attempts"]; v != "" {
		if job.Attempts, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("job %s: bad attempts: %w", job.JobID, err)
		}
	}
	if v := h["processingTimeMs"]; v != "" {
		if job.ProcessingTimeMs, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("job %s: bad processingTimeMs: %w", job.JobID, err)
		}
	}
	if job.CreatedAt, err = parseTime(h["createdAt"]); err != nil {
		return nil, fmt.Errorf("job %s: bad createdAt: %w", job.JobID, err)
	}
	if job.UpdatedAt, err = parseTime(h["updatedAt"]); err != nil {
		return nil, fmt.Errorf("job %s: bad updatedAt: %w", job.JobID, err)
	}
	if job.StartedAt, err = parseOptionalTime(h["startedAt"]); err != nil {
		return nil, fmt.Errorf("job %s: bad startedAt: %w", job.JobID, err)
	}
	if job.SessionStartTime, err = parseOptionalTime(h["sessionStartTime"]); err != nil {
		return nil, fmt.Errorf("job %s: bad sessionStartTime: %w", job.JobID, err)
	}
	return job, nil
}

func parseFloat(v string) (float64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseFloat(v, 64)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func parseOptionalTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
