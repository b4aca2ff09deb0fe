// Package logging builds the service's zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger writing to stderr at level, either human readable
// ("console") or one JSON object per line ("json").
func New(level, format string) (zerolog.Logger, error) {
	return NewWithWriter(os.Stderr, level, format)
}

// NewWithWriter is New with an explicit destination
func NewWithWriter(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	switch format {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q", format)
	}

	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "b2-smime-service").
		Logger(), nil
}
