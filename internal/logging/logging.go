package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexforge404/hexforge-surface-engine/internal/config"
)

// New creates a zerolog logger configured from config.
// Supports "trace" | "debug" | "info" | "warn" | "error" levels
// and "json" | "console" formats.
func New(cfg config.LogConfig) *zerolog.Logger {
	return NewWithWriter(cfg, os.Stdout)
}

func NewWithWriter(cfg config.LogConfig, w io.Writer) *zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := w
	if strings.ToLower(cfg.Format) == "console" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &logger
}

// ForJob scopes a logger to one job.
func ForJob(base *zerolog.Logger, jobID, subfolder string) *zerolog.Logger {
	l := base.With().Str("job_id", jobID)
	if subfolder != "" {
		l = l.Str("subfolder", subfolder)
	}
	logger := l.Logger()
	return &logger
}

// TraceDuration logs start and end with elapsed duration at DEBUG level.
// Usage: defer logging.TraceDuration(logger, "mesh")()
func TraceDuration(logger *zerolog.Logger, name string) func() {
	start := time.Now()
	logger.Debug().Str("stage", name).Msg("start")
	return func() {
		logger.Debug().Str("stage", name).Dur("duration", time.Since(start)).Msg("finish")
	}
}

// Nop returns a disabled logger, handy for tests and optional wiring.
func Nop() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}
