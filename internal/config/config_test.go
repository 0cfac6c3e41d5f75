package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	q := cfg.Queue
	assert.Equal(t, 24*time.Hour, q.TTL)
	assert.Equal(t, 20, q.BatchSize)
	assert.Equal(t, 1, q.MinWorkers)
	assert.Equal(t, 30*time.Second, q.IdleWorkerTTL)
	assert.Equal(t, 60*time.Second, q.CrashWindow)
	assert.Equal(t, 5, q.MaxConsecutiveCrashes)
	assert.Equal(t, 5*time.Second, q.CrashBackoff)
	assert.Equal(t, 7*24*time.Hour, q.SessionTTL)
	assert.Equal(t, 60*time.Second, q.StartupLockTTL)
	assert.Equal(t, 30000, q.WorkerMaxMemoryMB)
	assert.Equal(t, 3, q.MaxJobAttempts)
	assert.Equal(t, WorkerModeGoroutine, q.WorkerMode)
	assert.GreaterOrEqual(t, q.MaxWorkers, 1)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, -1, cfg.Commands.TimeoutSeconds)
	assert.False(t, cfg.S3Configured())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("QUEUE_BATCH_SIZE", "5")
	t.Setenv("QUEUE_MAX_WORKERS", "8")
	t.Setenv("QUEUE_CRASH_BACKOFF_MS", "250")
	t.Setenv("QUEUE_WORKER_MODE", "PROCESS")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("QUEUE_INSTANCE_ID", "worker-node-1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Queue.BatchSize)
	assert.Equal(t, 8, cfg.Queue.MaxWorkers)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.CrashBackoff)
	assert.Equal(t, WorkerModeProcess, cfg.Queue.WorkerMode)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "worker-node-1", cfg.Queue.InstanceID)
}

func TestLoad_InvalidQueueConfig(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"zero batch", map[string]string{"QUEUE_BATCH_SIZE": "0"}},
		{"min above max", map[string]string{"QUEUE_MIN_WORKERS": "4", "QUEUE_MAX_WORKERS": "2"}},
		{"bad mode", map[string]string{"QUEUE_WORKER_MODE": "fork"}},
		{"zero attempts", map[string]string{"QUEUE_MAX_JOB_ATTEMPTS": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestReadSecret_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0o600))

	t.Setenv("JWT_SECRET", "")
	t.Setenv("JWT_SECRET_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.JWT.Secret)
}
