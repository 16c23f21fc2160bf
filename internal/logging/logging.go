// Package logging provides the orchestrator's structured logging,
// backed by zerolog. Every record carries a service tag, and the
// Component and ForAttempt helpers attach the fields a reader needs to
// follow one conversion cycle across the conversation, conversion, and
// evaluation agents.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// serviceName tags every record, so aggregated logs from a deployment
// that also runs converter/validator sidecars stay attributable.
const serviceName = "nwbflow"

// Logger is the process-wide root logger. Workflow code derives
// children from it via Component rather than logging through it
// directly; the package-level level helpers below exist for the
// entrypoint and for code with no component identity.
var Logger zerolog.Logger

// logFile is the open sidecar file when file output is enabled.
var logFile *os.File

// Level aliases zerolog's level type so callers never import zerolog
// just to configure a threshold.
type Level = zerolog.Level

const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
	FatalLevel = zerolog.FatalLevel
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level written.
	Level Level
	// Output receives the console stream. Defaults to os.Stderr.
	Output io.Writer
	// Pretty switches the console stream to human-readable output
	// instead of JSON records.
	Pretty bool
	// FileDir, when non-empty, additionally writes JSON records to a
	// timestamped nwbflow-*.log file in that directory.
	FileDir string
}

// DefaultConfig returns the configuration the package starts with:
// JSON records at info level on stderr, no file sidecar.
func DefaultConfig() Config {
	return Config{Level: InfoLevel, Output: os.Stderr}
}

// Init replaces the root logger. Safe to call more than once; a
// previously opened log file is closed before a new one is created.
func Init(cfg Config) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	var console io.Writer = cfg.Output
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: time.RFC3339}
	}

	writers := []io.Writer{console}
	if cfg.FileDir != "" {
		Close()
		name := fmt.Sprintf("%s-%s.log", serviceName, time.Now().Format("20060102-150405"))
		f, err := os.OpenFile(filepath.Join(cfg.FileDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			logFile = f
			writers = append(writers, f)
		}
	}

	out := writers[0]
	if len(writers) > 1 {
		out = zerolog.MultiLevelWriter(writers...)
	}

	Logger = zerolog.New(out).
		Level(cfg.Level).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// Component derives a child logger tagged with the orchestrator
// component emitting it ("conversation", "conversion", "evaluation",
// "server", "config"). Call at the log site rather than caching the
// result in a package variable, so a later Init is picked up.
func Component(name string) *zerolog.Logger {
	l := Logger.With().Str("component", name).Logger()
	return &l
}

// ForAttempt derives a child of l carrying the correction-attempt
// number, so one conversion cycle's records line up across agents.
func ForAttempt(l *zerolog.Logger, attempt int) *zerolog.Logger {
	child := l.With().Int("attempt", attempt).Logger()
	return &child
}

// FilePath returns the open log file's path, or "" when file output is
// disabled.
func FilePath() string {
	if logFile != nil {
		return logFile.Name()
	}
	return ""
}

// Close closes the log file if one is open.
func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// ParseLevel maps a config string onto a Level, case-insensitively.
// Anything unrecognized falls back to InfoLevel.
func ParseLevel(level string) Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DebugLevel
	case "INFO":
		return InfoLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	case "FATAL":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// Debug starts a debug record on the root logger.
func Debug() *zerolog.Event {
	return Logger.Debug()
}

// Info starts an info record on the root logger.
func Info() *zerolog.Event {
	return Logger.Info()
}

// Warn starts a warn record on the root logger.
func Warn() *zerolog.Event {
	return Logger.Warn()
}

// Error starts an error record on the root logger.
func Error() *zerolog.Event {
	return Logger.Error()
}

// Fatal starts a fatal record on the root logger. Calling Msg or Send
// on the returned event exits the process.
func Fatal() *zerolog.Event {
	return Logger.Fatal()
}

func init() {
	Init(DefaultConfig())
}
