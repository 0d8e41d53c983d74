package telemetry

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the service logger. Development uses the console writer.
func NewLogger(appEnv, level string, service string) zerolog.Logger {
	return newLogger(os.Stdout, appEnv, level).With().Str("service", service).Logger()
}

func newLogger(out io.Writer, appEnv, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	if strings.EqualFold(appEnv, "development") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		if level == "" {
			lvl = zerolog.DebugLevel
		}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
