package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions controls where logs go. The zero value logs JSON to stdout at
// the level named by BATTLE_LOG_LEVEL.
type LogOptions struct {
	Level      string
	File       string // rotated copy of stdout when set
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	defaultOutput io.Writer = os.Stdout
	levelOverride string
)

// Configure sets the process-wide log output. Call once from main before
// constructing component loggers.
func Configure(opts LogOptions) {
	levelOverride = opts.Level
	if opts.File == "" {
		defaultOutput = os.Stdout
		return
	}
	rotated := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    orDefault(opts.MaxSizeMB, 100),
		MaxBackups: orDefault(opts.MaxBackups, 5),
		MaxAge:     orDefault(opts.MaxAgeDays, 14),
		Compress:   true,
	}
	defaultOutput = zerolog.MultiLevelWriter(os.Stdout, rotated)
}

// NewLogger creates a structured JSON logger tagged with component.
// Production default: info. Set via BATTLE_LOG_LEVEL env var.
func NewLogger(component string) zerolog.Logger {
	level := levelOverride
	if level == "" {
		level = os.Getenv("BATTLE_LOG_LEVEL")
	}
	return NewLoggerWithLevel(component, parseLogLevel(level))
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(defaultOutput).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
