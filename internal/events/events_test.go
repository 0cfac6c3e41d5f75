package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendxa/processing/internal/model"
	"github.com/opendxa/processing/internal/testutil"
)

type broadcast struct {
	Room  string
	Event string
	Data  any
}

type recordingBroadcaster struct {
	mu  sync.Mutex
	got []broadcast
}

func (r *recordingBroadcaster) BroadcastToRoom(room, event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, broadcast{Room: room, Event: event, Data: data})
}

func (r *recordingBroadcaster) all() []broadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broadcast(nil), r.got...)
}

func fixedPublisher() *Publisher {
	p := NewPublisher(nil)
	p.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

func TestNormalize(t *testing.T) {
	p := fixedPublisher()
	start := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)

	completed := &model.Job{
		JobID:            "j1",
		TeamID:           "team-1",
		TrajectoryID:     "t1",
		SessionID:        "s1",
		SessionStartTime: &start,
		Kind:             model.KindAnalysis,
		Payload:          json.RawMessage(`{"analysisId":"an-7","inputPath":"/in","modifier":"dxa","timestep":40}`),
		Status:           model.JobStatusCompleted,
		Progress:         1,
		Result:           json.RawMessage(`{"ok":true}`),
		ProcessingTimeMs: 1200,
	}
	ev := p.Normalize(completed, model.EventTypeJobStatus)
	assert.Equal(t, "j1", ev.JobID)
	assert.Equal(t, "completed", ev.Status)
	assert.Equal(t, "an-7", ev.AnalysisID)
	require.NotNil(t, ev.Timestep)
	assert.Equal(t, 40, *ev.Timestep)
	assert.Equal(t, model.KindAnalysis, ev.QueueType)
	assert.Equal(t, "2024-05-01T12:00:00Z", ev.Timestamp)
	assert.JSONEq(t, `{"ok":true}`, string(ev.Result))
	assert.Empty(t, ev.Error)

	failed := &model.Job{
		JobID:   "j2",
		Kind:    model.KindSSHImport,
		Payload: json.RawMessage(`{}`),
		Status:  model.JobStatusFailed,
		Error:   "connection refused",
		Result:  json.RawMessage(`{"ignored":true}`),
	}
	ev = p.Normalize(failed, model.EventTypeJobStatus)
	assert.Equal(t, "connection refused", ev.Error)
	assert.Nil(t, ev.Result)
	assert.Nil(t, ev.Timestep)
	assert.Empty(t, ev.AnalysisID)
}

func TestRelay(t *testing.T) {
	out := &recordingBroadcaster{}
	l := NewListener(nil, out)

	job, _ := json.Marshal(model.JobUpdateEnvelope{
		TeamID:  "team-1",
		Payload: model.NormalizedJobEvent{JobID: "j1", Status: "running", Type: model.EventTypeJobProgress},
	})
	sess, _ := json.Marshal(model.JobUpdateEnvelope{
		TeamID:  "team-1",
		Payload: model.NormalizedJobEvent{SessionID: "s1", Type: model.EventTypeSessionCompleted},
	})
	traj, _ := json.Marshal(model.TrajectoryUpdate{
		TrajectoryID: "t1",
		Status:       "completed",
		TeamID:       "team-2",
		UpdatedAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	})

	l.Relay(model.ChannelJobUpdates, job)
	l.Relay(model.ChannelJobUpdates, sess)
	l.Relay(model.ChannelTrajectoryUpdates, traj)
	l.Relay(model.ChannelJobUpdates, []byte(`not json`))
	l.Relay(model.ChannelJobUpdates, []byte(`{"payload":{}}`))

	got := out.all()
	require.Len(t, got, 3)

	assert.Equal(t, "team-team-1", got[0].Room)
	assert.Equal(t, model.SocketEventJobUpdate, got[0].Event)
	assert.Equal(t, "j1", got[0].Data.(model.NormalizedJobEvent).JobID)

	assert.Equal(t, model.SocketEventSessionCompleted, got[1].Event)

	assert.Equal(t, "team-team-2", got[2].Room)
	assert.Equal(t, model.SocketEventTrajectoryStatusUpdated, got[2].Event)
	data, err := json.Marshal(got[2].Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"trajectoryId":"t1","status":"completed","updatedAt":"2024-05-01T12:00:00.000Z"}`, string(data))
}

func TestPublishAndListen(t *testing.T) {
	rdb := testutil.Redis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &recordingBroadcaster{}
	l := NewListener(rdb, out)
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	// Wait until the listener's subscription is live
	require.Eventually(t, func() bool {
		n, err := rdb.PubSubNumSub(ctx, model.ChannelJobUpdates).Result()
		return err == nil && n[model.ChannelJobUpdates] > 0
	}, 5*time.Second, 10*time.Millisecond)

	pub := NewPublisher(rdb)
	job := &model.Job{
		JobID:        "j1",
		TeamID:       "team-1",
		TrajectoryID: "t1",
		SessionID:    "s1",
		Kind:         model.KindRasterization,
		Payload:      json.RawMessage(`{"inputPath":"/in","timestep":3}`),
		Status:       model.JobStatusCompleted,
	}
	pub.PublishJob(ctx, job, model.EventTypeJobStatus)
	pub.PublishSessionCompleted(ctx, job)
	pub.PublishTrajectory(ctx, model.TrajectoryUpdate{TrajectoryID: "t1", Status: "completed", TeamID: "team-1", UpdatedAt: time.Now()})

	require.Eventually(t, func() bool { return len(out.all()) == 3 }, 5*time.Second, 10*time.Millisecond)
	got := out.all()
	// job_updates keeps the job event ahead of the session event it triggered
	assert.Equal(t, model.SocketEventJobUpdate, got[0].Event)
	assert.Equal(t, model.SocketEventSessionCompleted, got[1].Event)
	assert.Equal(t, model.SocketEventTrajectoryStatusUpdated, got[2].Event)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
}
