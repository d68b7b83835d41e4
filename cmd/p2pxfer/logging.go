package main

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// newLogger builds a zerolog.Logger writing to stderr, the way the
// teacher's configureLogging builds its stdout writer, minus the
// SIGHUP-driven file-reopen machinery this single-transfer CLI has no use
// for (it never writes a rotated log file).
func newLogger(levelStr string, pretty bool) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(levelStr))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
