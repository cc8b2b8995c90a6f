package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	mu      sync.Mutex
	logFile *os.File
)

// InitLogging configures the global logger. Console output always goes to stderr;
// when path is not empty log lines are also appended to that file as JSON.
func InitLogging(debug bool, path string) error {
	mu.Lock()
	defer mu.Unlock()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	var writers []io.Writer
	writers = append(writers, zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.DateTime,
	})

	var openErr error
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			openErr = fmt.Errorf("failed to create log directory: %w", err)
		} else {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				openErr = fmt.Errorf("failed to open log file: %w", err)
			} else {
				closeFileLocked()
				logFile = f
				writers = append(writers, f)
			}
		}
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return openErr
}

// SetOutput redirects all log output to w. Used by tests and the CLI.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

// With returns a sub-logger tagged with the given component name.
func With(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Close releases the log file, if any.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	closeFileLocked()
}

func closeFileLocked() {
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

func Debugf(format string, args ...any) {
	log.Debug().Msgf(format, args...)
}

func Infof(format string, args ...any) {
	log.Info().Msgf(format, args...)
}

func Warnf(format string, args ...any) {
	log.Warn().Msgf(format, args...)
}

func Errorf(format string, args ...any) {
	log.Error().Msgf(format, args...)
}
