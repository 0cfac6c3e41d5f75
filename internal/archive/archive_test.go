package archive_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/opendxa/processing/internal/archive"
	"github.com/opendxa/processing/internal/model"
)

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("processing_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, archive.RunMigrations(connStr))
	// Second run is a no-op
	require.NoError(t, archive.RunMigrations(connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func terminalJob(id string, status model.JobStatus, finished time.Time) *model.Job {
	started := finished.Add(-time.Second)
	j := &model.Job{
		JobID:            id,
		TeamID:           "team-1",
		TrajectoryID:     "traj-1",
		SessionID:        "sess-1",
		Kind:             model.KindAnalysis,
		Name:             "frame " + id,
		Status:           status,
		Attempts:         1,
		ProcessingTimeMs: 1000,
		CreatedAt:        finished.Add(-time.Minute),
		StartedAt:        &started,
		UpdatedAt:        finished,
	}
	if status == model.JobStatusCompleted {
		j.Result = json.RawMessage(`{"atoms":42}`)
	} else {
		j.Error = "boom"
	}
	return j
}

func TestArchive_ListByTrajectory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := archive.NewStore(setupTestDB(t))
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.Archive(ctx, terminalJob("a", model.JobStatusCompleted, base)))
	require.NoError(t, s.Archive(ctx, terminalJob("b", model.JobStatusFailed, base.Add(time.Second))))

	jobs, err := s.ListByTrajectory(ctx, "traj-1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, "b", jobs[0].JobID)
	assert.Equal(t, model.JobStatusFailed, jobs[0].Status)
	assert.Equal(t, "boom", jobs[0].Error)

	assert.Equal(t, "a", jobs[1].JobID)
	assert.Equal(t, model.JobStatusCompleted, jobs[1].Status)
	assert.JSONEq(t, `{"atoms":42}`, string(jobs[1].Result))
	assert.Equal(t, float64(1), jobs[1].Progress)
	require.NotNil(t, jobs[1].StartedAt)
}

func TestArchive_UpsertKeepsOneRow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := archive.NewStore(setupTestDB(t))
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.Archive(ctx, terminalJob("a", model.JobStatusFailed, base)))
	retried := terminalJob("a", model.JobStatusCompleted, base.Add(time.Minute))
	retried.Attempts = 2
	require.NoError(t, s.Archive(ctx, retried))

	jobs, err := s.ListByTrajectory(ctx, "traj-1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobStatusCompleted, jobs[0].Status)
	assert.Equal(t, 2, jobs[0].Attempts)
}

func TestArchive_RejectsNonTerminal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := archive.NewStore(setupTestDB(t))
	job := terminalJob("a", model.JobStatusCompleted, time.Now())
	job.Status = model.JobStatusRunning
	assert.Error(t, s.Archive(context.Background(), job))
}
