// Package logging configures the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global logger. Development environments get a
// human-readable console writer on stderr.
func Setup(level, env string) {
	Configure(os.Stderr, level, env)
}

// Configure is Setup with an explicit destination
func Configure(w io.Writer, level, env string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(ParseLevel(level))

	out := w
	if strings.EqualFold(env, "development") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

// ParseLevel maps LOG_LEVEL values onto zerolog levels, defaulting to info
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// AsynqLevel translates LOG_LEVEL for the asynq server
func AsynqLevel(level string) asynq.LogLevel {
	switch ParseLevel(level) {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return asynq.DebugLevel
	case zerolog.WarnLevel:
		return asynq.WarnLevel
	case zerolog.ErrorLevel:
		return asynq.ErrorLevel
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return asynq.FatalLevel
	}
	return asynq.InfoLevel
}

// AsynqLogger adapts a zerolog.Logger to asynq.Logger
type AsynqLogger struct {
	logger zerolog.Logger
}

var _ asynq.Logger = (*AsynqLogger)(nil)

func NewAsynqLogger(l zerolog.Logger) *AsynqLogger {
	return &AsynqLogger{logger: l.With().Str("component", "asynq").Logger()}
}

func (l *AsynqLogger) Debug(args ...interface{}) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l *AsynqLogger) Info(args ...interface{})  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l *AsynqLogger) Warn(args ...interface{})  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l *AsynqLogger) Error(args ...interface{}) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l *AsynqLogger) Fatal(args ...interface{}) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
