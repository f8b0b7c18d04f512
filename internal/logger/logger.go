package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

func New() zerolog.Logger {
	return NewWithLevel(os.Getenv("LOG_LEVEL"))
}

// NewWithLevel builds the process logger. Unknown or empty levels fall back to info.
func NewWithLevel(level string) zerolog.Logger {
	// Cloud Logging parses the level from "severity".
	zerolog.LevelFieldName = "severity"
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var out io.Writer = os.Stderr
	if os.Getenv("ENV") == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	logger := zerolog.New(out).With().Timestamp().Logger()

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// Nop returns a disabled logger for tests and optional collaborators.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
