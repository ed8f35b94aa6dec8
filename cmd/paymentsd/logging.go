package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/flippify/payments/internal/config"
)

// newLogger configures zerolog from the log settings. Unknown levels fall
// back to info.
func newLogger(cfg config.Log, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().
		Timestamp().
		Str("component", "paymentsd").
		Logger()
}
