// Package obs holds SkillScale's ambient observability stack: structured
// logging, Prometheus metrics, and container-aware system sampling.
package obs

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig selects the minimum level and output format for a
// component's logger.
type LoggerConfig struct {
	Level  string // debug|info|warn|error
	Format string // json|pretty
	Service string
}

// NewLogger builds a zerolog.Logger configured per cfg: timestamped,
// leveled, JSON by default, a human-readable console writer when
// Format is "pretty".
func NewLogger(cfg LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	service := cfg.Service
	if service == "" {
		service = "skillscale"
	}

	return zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Logger()
}
