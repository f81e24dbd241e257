// Package logging owns the process-wide zerolog logger shared by the API
// server and the image builder.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// ParseLevel maps "debug", "info", "warn" and "error" (any case) to a zerolog
// level. Unknown or empty values fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init initializes the global logger. If logFilePath is non-empty, logs are
// written to both stdout and the file.
func Init(logFilePath, level string) (func(), error) {
	return InitWriter(os.Stdout, logFilePath, level)
}

// InitWriter is Init with an explicit primary writer. The CLI passes stderr
// for commands whose stdout is machine-readable (dockerfile, plan).
func InitWriter(primary io.Writer, logFilePath, level string) (func(), error) {
	zerolog.SetGlobalLevel(ParseLevel(level))

	writers := []io.Writer{primary}
	var f *os.File
	if logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		var err error
		f, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, err
		}
		writers = append(writers, f)
	}
	Log = zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Str("service", ServiceName).Logger()
	return func() {
		if f != nil {
			_ = f.Close()
		}
	}, nil
}

// ServiceName is stamped on every log line.
const ServiceName = "show-up-api"

// Log is the package-global logger configured by Init
var Log = zerolog.New(os.Stdout).With().Timestamp().Str("service", ServiceName).Logger()

// Get returns a pointer to the package-global logger
func Get() *zerolog.Logger {
	return &Log
}

// Component returns a child logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
