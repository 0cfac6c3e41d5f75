package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Queue     QueueConfig
	S3        S3Config
	Commands  CommandsConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DatabaseConfig struct {
	URL             string
	MaxConns        int
	ConnMaxLifetime time.Duration
}

type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	SubmitPerMin int
}

// QueueConfig carries the QUEUE_* tunables shared by every processing queue
type QueueConfig struct {
	TTL                   time.Duration
	BatchSize             int
	MinWorkers            int
	MaxWorkers            int
	IdleWorkerTTL         time.Duration
	CrashWindow           time.Duration
	MaxConsecutiveCrashes int
	CrashBackoff          time.Duration
	SessionTTL            time.Duration
	StartupLockTTL        time.Duration
	WorkerMaxMemoryMB     int
	MaxJobAttempts        int
	SweepInterval         time.Duration
	HeartbeatInterval     time.Duration
	WorkerMode            string // "goroutine" or "process"
	// InstanceID names this process in job claims. A stable value lets a
	// restarted process recover its own jobs at boot; empty means a random
	// id per boot. Two live processes must never share one.
	InstanceID            string
}

type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

// CommandsConfig names the executables behind the CPU-bound job kinds
type CommandsConfig struct {
	Analysis       string
	Rasterizer     string
	Trajectory     string
	TimeoutSeconds int
}

const (
	WorkerModeGoroutine = "goroutine"
	WorkerModeProcess   = "process"
)

func Load() (*Config, error) {
	_ = godotenv.Load(".env.local")

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_URL")
	readSecret("JWT_SECRET")
	readSecret("S3_ACCESS_KEY_ID")
	readSecret("S3_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	bindings := map[string]string{
		"server.port":                     "SERVER_PORT",
		"server.env":                      "SERVER_ENV",
		"server.log_level":                "LOG_LEVEL",
		"redis.addr":                      "REDIS_ADDR",
		"redis.password":                  "REDIS_PASSWORD",
		"redis.db":                        "REDIS_DB",
		"database.url":                    "DATABASE_URL",
		"database.max_conns":              "DATABASE_MAX_CONNS",
		"database.conn_max_lifetime_secs": "DATABASE_CONN_MAX_LIFETIME_SECONDS",
		"jwt.secret":                      "JWT_SECRET",
		"ratelimit.submit_per_min":        "RATELIMIT_SUBMIT_PER_MIN",
		"queue.ttl_seconds":               "QUEUE_TTL_SECONDS",
		"queue.batch_size":                "QUEUE_BATCH_SIZE",
		"queue.min_workers":               "QUEUE_MIN_WORKERS",
		"queue.max_workers":               "QUEUE_MAX_WORKERS",
		"queue.idle_worker_ttl_ms":        "QUEUE_IDLE_WORKER_TTL_MS",
		"queue.crash_window_ms":           "QUEUE_CRASH_WINDOW_MS",
		"queue.max_consecutive_crashes":   "QUEUE_MAX_CONSECUTIVE_CRASHES",
		"queue.crash_backoff_ms":          "QUEUE_CRASH_BACKOFF_MS",
		"queue.session_ttl_seconds":       "QUEUE_SESSION_TTL_SECONDS",
		"queue.startup_lock_ttl_ms":       "QUEUE_STARTUP_LOCK_TTL_MS",
		"queue.worker_max_memory_mb":      "QUEUE_WORKER_MAX_MEMORY_MB",
		"queue.max_job_attempts":          "QUEUE_MAX_JOB_ATTEMPTS",
		"queue.sweep_interval_ms":         "QUEUE_SWEEP_INTERVAL_MS",
		"queue.heartbeat_interval_ms":     "QUEUE_HEARTBEAT_INTERVAL_MS",
		"queue.worker_mode":               "QUEUE_WORKER_MODE",
		"queue.instance_id":               "QUEUE_INSTANCE_ID",
		"s3.endpoint":                     "S3_ENDPOINT",
		"s3.region":                       "S3_REGION",
		"s3.access_key_id":                "S3_ACCESS_KEY_ID",
		"s3.secret_access_key":            "S3_SECRET_ACCESS_KEY",
		"s3.bucket_name":                  "S3_BUCKET_NAME",
		"s3.public_url":                   "S3_PUBLIC_URL",
		"commands.analysis":               "ANALYSIS_COMMAND",
		"commands.rasterizer":             "RASTERIZER_COMMAND",
		"commands.trajectory":             "TRAJECTORY_COMMAND",
		"commands.timeout_seconds":        "COMMAND_TIMEOUT_SECONDS",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.conn_max_lifetime_secs", 300)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("ratelimit.submit_per_min", 120)

	// Queue defaults
	v.SetDefault("queue.ttl_seconds", 86400)
	v.SetDefault("queue.batch_size", 20)
	v.SetDefault("queue.min_workers", 1)
	v.SetDefault("queue.max_workers", runtime.NumCPU())
	v.SetDefault("queue.idle_worker_ttl_ms", 30000)
	v.SetDefault("queue.crash_window_ms", 60000)
	v.SetDefault("queue.max_consecutive_crashes", 5)
	v.SetDefault("queue.crash_backoff_ms", 5000)
	v.SetDefault("queue.session_ttl_seconds", 604800)
	v.SetDefault("queue.startup_lock_ttl_ms", 60000)
	v.SetDefault("queue.worker_max_memory_mb", 30000)
	v.SetDefault("queue.max_job_attempts", 3)
	v.SetDefault("queue.sweep_interval_ms", 30000)
	v.SetDefault("queue.heartbeat_interval_ms", 5000)
	v.SetDefault("queue.worker_mode", WorkerModeGoroutine)

	// S3 defaults
	v.SetDefault("s3.region", "auto")

	// Command defaults
	v.SetDefault("commands.analysis", "opendxa")
	v.SetDefault("commands.rasterizer", "opendxa-raster")
	v.SetDefault("commands.trajectory", "opendxa-parse")
	v.SetDefault("commands.timeout_seconds", -1)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			URL:             v.GetString("database.url"),
			MaxConns:        v.GetInt("database.max_conns"),
			ConnMaxLifetime: time.Duration(v.GetInt("database.conn_max_lifetime_secs")) * time.Second,
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerMin: v.GetInt("ratelimit.submit_per_min"),
		},
		Queue: QueueConfig{
			TTL:                   seconds(v.GetInt("queue.ttl_seconds")),
			BatchSize:             v.GetInt("queue.batch_size"),
			MinWorkers:            v.GetInt("queue.min_workers"),
			MaxWorkers:            v.GetInt("queue.max_workers"),
			IdleWorkerTTL:         millis(v.GetInt("queue.idle_worker_ttl_ms")),
			CrashWindow:           millis(v.GetInt("queue.crash_window_ms")),
			MaxConsecutiveCrashes: v.GetInt("queue.max_consecutive_crashes"),
			CrashBackoff:          millis(v.GetInt("queue.crash_backoff_ms")),
			SessionTTL:            seconds(v.GetInt("queue.session_ttl_seconds")),
			StartupLockTTL:        millis(v.GetInt("queue.startup_lock_ttl_ms")),
			WorkerMaxMemoryMB:     v.GetInt("queue.worker_max_memory_mb"),
			MaxJobAttempts:        v.GetInt("queue.max_job_attempts"),
			SweepInterval:         millis(v.GetInt("queue.sweep_interval_ms")),
			HeartbeatInterval:     millis(v.GetInt("queue.heartbeat_interval_ms")),
			WorkerMode:            strings.ToLower(v.GetString("queue.worker_mode")),
			InstanceID:            v.GetString("queue.instance_id"),
		},
		S3: S3Config{
			Endpoint:        v.GetString("s3.endpoint"),
			Region:          v.GetString("s3.region"),
			AccessKeyID:     v.GetString("s3.access_key_id"),
			SecretAccessKey: v.GetString("s3.secret_access_key"),
			BucketName:      v.GetString("s3.bucket_name"),
			PublicURL:       v.GetString("s3.public_url"),
		},
		Commands: CommandsConfig{
			Analysis:       v.GetString("commands.analysis"),
			Rasterizer:     v.GetString("commands.rasterizer"),
			Trajectory:     v.GetString("commands.trajectory"),
			TimeoutSeconds: v.GetInt("commands.timeout_seconds"),
		},
	}

	if err := cfg.Queue.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that would stall dispatch or crash handling
func (q *QueueConfig) Validate() error {
	if q.BatchSize <= 0 {
		return fmt.Errorf("QUEUE_BATCH_SIZE must be positive, got %d", q.BatchSize)
	}
	if q.MinWorkers < 0 {
		return fmt.Errorf("QUEUE_MIN_WORKERS must not be negative, got %d", q.MinWorkers)
	}
	if q.MaxWorkers < 1 {
		return fmt.Errorf("QUEUE_MAX_WORKERS must be at least 1, got %d", q.MaxWorkers)
	}
	if q.MinWorkers > q.MaxWorkers {
		return fmt.Errorf("QUEUE_MIN_WORKERS (%d) exceeds QUEUE_MAX_WORKERS (%d)", q.MinWorkers, q.MaxWorkers)
	}
	if q.MaxConsecutiveCrashes < 1 {
		return fmt.Errorf("QUEUE_MAX_CONSECUTIVE_CRASHES must be at least 1, got %d", q.MaxConsecutiveCrashes)
	}
	if q.MaxJobAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_JOB_ATTEMPTS must be at least 1, got %d", q.MaxJobAttempts)
	}
	if q.HeartbeatInterval <= 0 || q.SweepInterval <= 0 {
		return fmt.Errorf("QUEUE_HEARTBEAT_INTERVAL_MS and QUEUE_SWEEP_INTERVAL_MS must be positive")
	}
	switch q.WorkerMode {
	case WorkerModeGoroutine, WorkerModeProcess:
	default:
		return fmt.Errorf("QUEUE_WORKER_MODE must be goroutine or process, got %q", q.WorkerMode)
	}
	return nil
}

// S3Configured reports whether cloud uploads can reach a bucket
func (c *Config) S3Configured() bool {
	return c.S3.AccessKeyID != "" && c.S3.SecretAccessKey != "" && c.S3.BucketName != ""
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
