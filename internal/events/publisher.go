// Package events carries job and trajectory transitions over Redis pub/sub
// and relays them to websocket rooms.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/opendxa/processing/internal/model"
)

// Publisher writes job and trajectory events to Redis pub/sub. Failures are
// logged and dropped; a missed event never fails the job.
type Publisher struct {
	rdb *redis.Client
	now func() time.Time
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb, now: time.Now}
}

// PublishJob sends a job_updates envelope for job
func (p *Publisher) PublishJob(ctx context.Context, job *model.Job, eventType string) {
	p.publish(ctx, model.ChannelJobUpdates, model.JobUpdateEnvelope{
		TeamID:  job.TeamID,
		Payload: p.Normalize(job, eventType),
	})
}

// PublishSessionCompleted sends the session_completed event on job_updates,
// after the job event that triggered it
func (p *Publisher) PublishSessionCompleted(ctx context.Context, job *model.Job) {
	ev := model.NormalizedJobEvent{
		Status:           model.TrajectoryStatusCompleted,
		Progress:         1,
		TrajectoryID:     job.TrajectoryID,
		TrajectoryName:   job.TrajectoryName,
		SessionID:        job.SessionID,
		SessionStartTime: job.SessionStartTime,
		Timestamp:        p.timestamp(),
		QueueType:        job.Kind,
		Type:             model.EventTypeSessionCompleted,
	}
	p.publish(ctx, model.ChannelJobUpdates, model.JobUpdateEnvelope{TeamID: job.TeamID, Payload: ev})
}

// PublishTrajectory sends a trajectory_updates message
func (p *Publisher) PublishTrajectory(ctx context.Context, update model.TrajectoryUpdate) {
	p.publish(ctx, model.ChannelTrajectoryUpdates, update)
}

// Normalize flattens a job into the event payload clients receive
func (p *Publisher) Normalize(job *model.Job, eventType string) model.NormalizedJobEvent {
	ev := model.NormalizedJobEvent{
		JobID:            job.JobID,
		Status:           string(job.Status),
		Progress:         job.Progress,
		Name:             job.Name,
		Message:          job.Message,
		TrajectoryID:     job.TrajectoryID,
		TrajectoryName:   job.TrajectoryName,
		SessionID:        job.SessionID,
		SessionStartTime: job.SessionStartTime,
		Timestamp:        p.timestamp(),
		QueueType:        job.Kind,
		Type:             eventType,
	}
	switch job.Status {
	case model.JobStatusCompleted:
		ev.Result = job.Result
		ev.ProcessingTimeMs = job.ProcessingTimeMs
	case model.JobStatusFailed:
		ev.Error = job.Error
		ev.ProcessingTimeMs = job.ProcessingTimeMs
	}

	if payload, err := model.DecodePayload(job.Kind, job.Payload); err == nil {
		switch pl := payload.(type) {
		case *model.AnalysisPayload:
			ev.AnalysisID = pl.AnalysisID
			ts := pl.Timestep
			ev.Timestep = &ts
		case *model.RasterizationPayload:
			ev.AnalysisID = pl.AnalysisID
			ts := pl.Timestep
			ev.Timestep = &ts
		}
	}
	return ev
}

func (p *Publisher) timestamp() string {
	return p.now().UTC().Format(time.RFC3339Nano)
}

func (p *Publisher) publish(ctx context.Context, channel string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("Failed to marshal event")
		return
	}
	if err := p.rdb.Publish(ctx, channel, data).Err(); err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("Failed to publish event")
	}
}
