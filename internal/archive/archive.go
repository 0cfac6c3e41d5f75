// Package archive keeps terminal jobs in Postgres after their Redis record
// has expired.
package archive

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opendxa/processing/internal/config"
	"github.com/opendxa/processing/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// RunMigrations applies the embedded schema migrations
func RunMigrations(databaseURL string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(databaseURL))
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// migrateURL switches a postgres:// URL to the pgx v5 driver scheme
func migrateURL(databaseURL string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}

// Store writes and reads job history
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Archive upserts a terminal job. Payloads are not kept since they may
// carry credentials.
func (s *Store) Archive(ctx context.Context, job *model.Job) error {
	if !job.Status.Terminal() {
		return fmt.Errorf("job %s is %s, only terminal jobs are archived", job.JobID, job.Status)
	}
	var result []byte
	if len(job.Result) > 0 {
		result = job.Result
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_history (kind, job_id, team_id, trajectory_id, session_id, name, status,
			error, result, attempts, processing_time_ms, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (kind, job_id) DO UPDATE SET
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			result = EXCLUDED.result,
			attempts = EXCLUDED.attempts,
			processing_time_ms = EXCLUDED.processing_time_ms,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at`,
		string(job.Kind), job.JobID, job.TeamID, job.TrajectoryID, job.SessionID, job.Name, string(job.Status),
		job.Error, result, job.Attempts, job.ProcessingTimeMs, job.CreatedAt, job.StartedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("archive job %s: %w", job.JobID, err)
	}
	return nil
}

// ListByTrajectory returns the newest archived jobs for a trajectory
func (s *Store) ListByTrajectory(ctx context.Context, trajectoryID string, limit int) ([]*model.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT kind, job_id, team_id, trajectory_id, session_id, name, status, error, result,
			attempts, processing_time_ms, created_at, started_at, finished_at
		FROM job_history
		WHERE trajectory_id = $1
		ORDER BY finished_at DESC
		LIMIT $2`, trajectoryID, limit)
	if err != nil {
		return nil, fmt.Errorf("list job history: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		var (
			j      model.Job
			kind   string
			status string
			result []byte
		)
		if err := rows.Scan(&kind, &j.JobID, &j.TeamID, &j.TrajectoryID, &j.SessionID, &j.Name, &status,
			&j.Error, &result, &j.Attempts, &j.ProcessingTimeMs, &j.CreatedAt, &j.StartedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job history: %w", err)
		}
		j.Kind = model.Kind(kind)
		j.Status = model.JobStatus(status)
		if len(result) > 0 {
			j.Result = result
		}
		if j.Status == model.JobStatusCompleted {
			j.Progress = 1
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}
