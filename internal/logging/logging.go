// Package logging configures the global zerolog logger for Oxide. Console
// output goes to stderr in a human-readable format; every session also writes
// a timestamped log file under the state directory so failed runs can be
// diagnosed after the fact.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls global logger behavior.
type Config struct {
	// Level is the minimum level emitted: trace, debug, info, warn, error.
	Level string

	// Dir receives session log files. Empty disables file logging.
	Dir string

	// Console enables the human-readable stderr writer. Disabled in tests.
	Console bool

	// NoColor strips ANSI from console output.
	NoColor bool
}

// DefaultConfig logs info and above to the console only.
func DefaultConfig() Config {
	return Config{Level: "info", Console: true}
}

// VerboseConfig logs debug and above.
func VerboseConfig() Config {
	return Config{Level: "debug", Console: true}
}

// Setup installs the global logger and returns the session log file path, if
// file logging is enabled. Safe to call more than once; the last call wins.
func Setup(cfg Config) (string, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
			NoColor:    cfg.NoColor,
		})
	}

	logPath := ""
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return "", fmt.Errorf("create log directory: %w", err)
		}
		logPath = filepath.Join(cfg.Dir, fmt.Sprintf("oxide_%s.log", time.Now().Format("2006-01-02_15-04-05")))
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return "", fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
	}

	switch len(writers) {
	case 0:
		log.Logger = zerolog.Nop()
	case 1:
		log.Logger = zerolog.New(writers[0]).With().Timestamp().Logger()
	default:
		log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	}

	return logPath, nil
}

// Component returns a child logger tagged with a component name. Packages
// hold one of these instead of re-tagging every call site.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
