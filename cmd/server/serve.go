package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/opendxa/processing/internal/archive"
	"github.com/opendxa/processing/internal/config"
	"github.com/opendxa/processing/internal/events"
	"github.com/opendxa/processing/internal/handler"
	"github.com/opendxa/processing/internal/logging"
	"github.com/opendxa/processing/internal/maintenance"
	"github.com/opendxa/processing/internal/middleware"
	"github.com/opendxa/processing/internal/model"
	"github.com/opendxa/processing/internal/queue"
	"github.com/opendxa/processing/internal/session"
	"github.com/opendxa/processing/internal/store"
	"github.com/opendxa/processing/internal/trajectory"
	ws "github.com/opendxa/processing/internal/websocket"
	"github.com/opendxa/processing/internal/workerpool"
	"github.com/opendxa/processing/pkg/response"
)

const shutdownTimeout = 30 * time.Second

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logging.Setup(cfg.Server.LogLevel, cfg.Server.Env)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis not available at %s: %w", cfg.Redis.Addr, err)
	}

	// Job history is optional
	var history *archive.Store
	if cfg.Database.URL != "" {
		if err := archive.RunMigrations(cfg.Database.URL); err != nil {
			return err
		}
		pool, err := archive.Connect(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()
		history = archive.NewStore(pool)
	} else {
		log.Warn().Msg("DATABASE_URL not set, job history is disabled")
	}

	instanceID := cfg.Queue.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
		log.Info().Str("instance_id", instanceID).Msg("QUEUE_INSTANCE_ID not set, jobs of a crashed predecessor are recovered by the sweep")
	}

	publisher := events.NewPublisher(redisClient)
	instances := store.NewInstances(redisClient)
	registry := queue.NewRegistry(instanceID, instances, cfg.Queue.HeartbeatInterval)
	aggregator := trajectory.NewAggregator(redisClient, registry, publisher, cfg.Queue.TTL)

	workers, err := buildWorkerRegistry(cfg)
	if err != nil {
		return err
	}

	for _, kind := range model.Kinds {
		spawner, err := newSpawner(cfg.Queue, kind, workers.Exec)
		if err != nil {
			return err
		}
		pool := workerpool.New(workerpool.Config{
			Kind:                  kind,
			MinWorkers:            cfg.Queue.MinWorkers,
			MaxWorkers:            cfg.Queue.MaxWorkers,
			IdleTTL:               cfg.Queue.IdleWorkerTTL,
			CrashWindow:           cfg.Queue.CrashWindow,
			MaxConsecutiveCrashes: cfg.Queue.MaxConsecutiveCrashes,
			CrashBackoff:          cfg.Queue.CrashBackoff,
		}, spawner, store.NewCrashCounter(redisClient, kind, instanceID))

		deps := queue.Deps{
			Store:        store.NewJobStore(redisClient, kind, cfg.Queue.TTL),
			Instances:    instances,
			Sessions:     session.NewManager(redisClient, cfg.Queue.SessionTTL),
			Pool:         pool,
			Publisher:    publisher,
			Trajectories: aggregator,
		}
		if history != nil {
			deps.Archive = history
		}
		registry.Add(queue.New(queue.Config{
			Kind:           kind,
			InstanceID:     instanceID,
			BatchSize:      cfg.Queue.BatchSize,
			MaxJobAttempts: cfg.Queue.MaxJobAttempts,
			StartupLockTTL: cfg.Queue.StartupLockTTL,
			SweepInterval:  cfg.Queue.SweepInterval,
		}, deps))
	}

	if err := registry.Start(ctx); err != nil {
		return err
	}

	hub := ws.NewHub()
	go hub.Run()

	listenerCtx, stopListener := context.WithCancel(context.WithoutCancel(ctx))
	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		if err := events.NewListener(redisClient, hub).Run(listenerCtx); err != nil {
			log.Error().Err(err).Msg("Event listener stopped")
		}
	}()

	jobs := maintenance.New(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, registry, cfg.Queue.SweepInterval, cfg.Server.LogLevel)
	if err := jobs.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance: %w", err)
	}

	app := newApp(cfg, redisClient, registry, aggregator, history, hub)

	serveErr := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Server.Port
		log.Info().Str("addr", addr).Str("instance_id", instanceID).Msg("Server starting")
		serveErr <- app.Listen(addr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server...")
	case err = <-serveErr:
		log.Error().Err(err).Msg("Server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	jobs.Shutdown()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Queue shutdown error")
	}
	stopListener()
	<-listenerDone
	hub.Stop()

	log.Info().Msg("Server stopped")
	return err
}

// newSpawner picks in-process goroutine workers or isolated worker processes
func newSpawner(q config.QueueConfig, kind model.Kind, exec workerpool.ExecFunc) (workerpool.Spawner, error) {
	if q.WorkerMode == config.WorkerModeProcess {
		return workerpool.NewProcessSpawner(kind, q.WorkerMaxMemoryMB)
	}
	return workerpool.NewGoroutineSpawner(exec), nil
}

func newApp(cfg *config.Config, redisClient *redis.Client, registry *queue.Registry, status handler.StatusReader, history *archive.Store, hub *ws.Hub) *fiber.App {
	validate := validator.New()
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	checks := map[string]handler.Check{
		"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}
	var historyReader handler.HistoryReader
	if history != nil {
		historyReader = history
		checks["postgres"] = history.Ping
	}

	queueHandler := handler.NewQueueHandler(func(kind model.Kind) (handler.JobQueue, bool) {
		q, ok := registry.Get(kind)
		if !ok {
			return nil, false
		}
		return q, true
	}, validate)
	trajectoryHandler := handler.NewTrajectoryHandler(status, historyReader)
	healthHandler := handler.NewHealthHandler(checks)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    10 * 1024 * 1024, // 10MB
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		Output: os.Stderr,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", healthHandler.Health)

	api := app.Group("/api", authMiddleware.Authenticate())

	queues := api.Group("/queues/:kind")
	queues.Post("/jobs", rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerMin), queueHandler.Submit)
	queues.Get("/status", queueHandler.Status)
	queues.Get("/jobs/:jobId", queueHandler.Job)

	trajectories := api.Group("/trajectories/:id")
	trajectories.Get("/status", trajectoryHandler.Status)
	trajectories.Get("/jobs", trajectoryHandler.Jobs)

	// WebSocket clients pass the token as ?token=
	app.Get("/ws", handler.Upgrade, authMiddleware.Authenticate(), handler.Socket(hub))

	return app
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}
	return response.Error(c, code, response.CodeServiceError, message, nil)
}
