package observ

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging configures the global zerolog logger.
// format is "json" (default) or "console".
func SetupLogging(level, format string) {
	SetupLoggingTo(os.Stdout, level, format)
}

// SetupLoggingTo is SetupLogging with an explicit writer
func SetupLoggingTo(w io.Writer, level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	out := w
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Log emits a structured event line. Kept for call sites that carry a
// free-form field map rather than typed fields.
func Log(event string, kv map[string]any) {
	e := log.Info().Str("event", event)
	if len(kv) > 0 {
		e = e.Fields(kv)
	}
	e.Send()
}
