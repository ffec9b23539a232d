// Package log wraps zerolog for the engine. The library stays silent
// unless the embedder injects a logger through Options; subsystems tag
// their events with a component field.
package log

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Nop returns a disabled logger, the library default.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// New builds a logger writing JSON to w at the given level. Unknown
// levels fall back to info.
func New(w io.Writer, level string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Console builds a human-readable logger for the CLI.
func Console(w io.Writer, level string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	return zerolog.New(cw).Level(lvl).With().Timestamp().Logger()
}

// Component returns l tagged with a component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
