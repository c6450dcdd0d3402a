// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

var levelMapping = map[string]zerolog.Level{
	"debug": zerolog.DebugLevel,
	"info":  zerolog.InfoLevel,
	"warn":  zerolog.WarnLevel,
	"error": zerolog.ErrorLevel,
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(name string) zerolog.Level {
	if l, ok := levelMapping[strings.ToLower(strings.TrimSpace(name))]; ok {
		return l
	}
	return zerolog.InfoLevel
}

// New returns a logger writing to w in the given format ("json" or
// "console"), tagged with the node id. The LOG_LEVEL environment variable
// overrides level when set.
func New(w io.Writer, level, format, nodeID string) zerolog.Logger {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, NoColor: true}
	}
	return zerolog.New(w).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Str("node_id", nodeID).
		Logger()
}
