package config

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogger configures the global zerolog logger for service
func (c *Config) SetupLogger(service string) {
	SetupLoggerTo(os.Stdout, c.LogFormat, c.LogLevel, service)
}

// SetupLoggerTo configures the global logger to write to w. Unknown levels
// fall back to info.
func SetupLoggerTo(w io.Writer, format, level, service string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Str("service", service).Logger()
}
