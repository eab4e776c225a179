// Package logging configures the shared structured logger used by both
// the server and client halves of driftkit: a single global logger
// configured once at startup, built on zerolog so the many interleaved
// subsystems (compactor, writer, ingestor) can carry structured fields
// instead of formatted strings.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Init should be called once at
// startup; until then it defaults to a console writer at info level so
// tests and quick scripts still see output.
var Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

// Level is a small, deployment-friendly logging verbosity vocabulary.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init configures the global Logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: output}).With().Timestamp().Logger()
}

// Component returns a child logger tagged with a component name, used so
// log lines from the compactor, writer, ingestor, etc. are distinguishable
// without repeating the tag at every call site.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
