package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/opendxa/processing/internal/model"
)

// Broadcaster delivers an event to every socket in a room
type Broadcaster interface {
	BroadcastToRoom(room, event string, data any)
}

// Listener relays pub/sub events to team rooms. Delivery is best effort:
// messages published while nobody is subscribed are lost.
type Listener struct {
	rdb *redis.Client
	out Broadcaster
}

func NewListener(rdb *redis.Client, out Broadcaster) *Listener {
	return &Listener{rdb: rdb, out: out}
}

// Run subscribes to job_updates and trajectory_updates until ctx is done
func (l *Listener) Run(ctx context.Context) error {
	sub := l.rdb.Subscribe(ctx, model.ChannelJobUpdates, model.ChannelTrajectoryUpdates)
	defer sub.Close()

	// Wait for the subscription to be confirmed before relaying
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	log.Info().Msg("Event listener subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			l.Relay(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Relay routes one raw pub/sub message to its team room
func (l *Listener) Relay(channel string, data []byte) {
	switch channel {
	case model.ChannelJobUpdates:
		var env model.JobUpdateEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.TeamID == "" {
			log.Warn().Err(err).Str("channel", channel).Msg("Dropping malformed job update")
			return
		}
		event := model.SocketEventJobUpdate
		if env.Payload.Type == model.EventTypeSessionCompleted {
			event = model.SocketEventSessionCompleted
		}
		l.out.BroadcastToRoom(model.TeamRoom(env.TeamID), event, env.Payload)

	case model.ChannelTrajectoryUpdates:
		var update model.TrajectoryUpdate
		if err := json.Unmarshal(data, &update); err != nil || update.TeamID == "" {
			log.Warn().Err(err).Str("channel", channel).Msg("Dropping malformed trajectory update")
			return
		}
		l.out.BroadcastToRoom(model.TeamRoom(update.TeamID), model.SocketEventTrajectoryStatusUpdated, trajectoryPayload{
			TrajectoryID: update.TrajectoryID,
			Status:       update.Status,
			UpdatedAt:    update.UpdatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
}

// trajectoryPayload is a trajectory update without its routing key
type trajectoryPayload struct {
	TrajectoryID string `json:"trajectoryId"`
	Status       string `json:"status"`
	UpdatedAt    string `json:"updatedAt"`
}
