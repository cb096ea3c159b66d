package rlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Zero is the process-wide logger. It is replaced by ReloadLogger once the
// command line has been parsed.
var Zero = NewZeroLogger("", "info", true)

var logFile *os.File

// NewZeroLogger creates a zerolog logger writing to filepath (stdout when
// empty). Pretty output uses the console writer, otherwise lines are JSON.
func NewZeroLogger(filepath string, logLevel string, pretty bool) *zerolog.Logger {
	_, writer, err := newWriter(filepath)
	if err != nil {
		writer = os.Stderr
	}
	if pretty {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(writer).With().Timestamp().Logger().Level(parseLevel(logLevel))

	return &logger
}

// ReloadLogger swaps Zero for a logger with the given output and level.
func ReloadLogger(filepath string, logLevel string, pretty bool) {
	oldFile := logFile
	f, writer, err := newWriter(filepath)
	if err != nil {
		Zero.Error().Err(err).Str("path", filepath).Msg("failed to open log file, keep logging to stdout")
		return
	}
	logFile = f
	if pretty {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339, NoColor: f != nil}
	}
	logger := zerolog.New(writer).With().Timestamp().Logger().Level(parseLevel(logLevel))
	Zero = &logger

	if oldFile != nil {
		_ = oldFile.Close()
	}
}

// WithRun attaches a run identifier to every subsequent log line.
func WithRun(runID string) {
	zeroLogger := Zero.With().Str("run", runID).Logger()
	Zero = &zeroLogger
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warning", "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// newWriter opens filepath in append mode, or returns stdout when filepath
// is empty.
func newWriter(filepath string) (*os.File, io.Writer, error) {
	if filepath == "" {
		return nil, os.Stdout, nil
	}
	f, err := os.OpenFile(filepath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	return f, f, nil
}
