package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func init() {
	// Sane default so packages can log before a host binary calls Init
	// (e.g. in tests).
	Init(Config{Level: InfoLevel})
}

// WithComponent creates a child logger with a component field, e.g.
// "pool", "ioexec", "mpt", "writer", "roview".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithFields creates a child logger carrying an arbitrary set of
// structured fields, via zerolog's own map-based `Fields` call rather than
// a chain of typed `Str`/`Uint64` calls -- the dedicated helpers below are
// thin callers of this, not independent chains, so a new one only ever
// needs to describe its field set.
func WithFields(fields map[string]interface{}) zerolog.Logger {
	return Logger.With().Fields(fields).Logger()
}

// WithPool creates a child logger with a pool_id field.
func WithPool(poolID string) zerolog.Logger {
	return WithFields(map[string]interface{}{"pool_id": poolID})
}

// WithVersion creates a child logger with a version field.
func WithVersion(version uint64) zerolog.Logger {
	return WithFields(map[string]interface{}{"version": version})
}

// WithChunk creates a child logger scoped to one chunk within a pool --
// class and id alone rarely mean anything without knowing which pool they
// belong to, so poolID rides along on every chunk-scoped log line.
func WithChunk(poolID, class string, id uint32) zerolog.Logger {
	return WithFields(map[string]interface{}{
		"pool_id":     poolID,
		"chunk_class": class,
		"chunk_id":    id,
	})
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
