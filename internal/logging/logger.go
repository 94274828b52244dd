package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the process logger. Development environments get the console
// writer, everything else emits JSON lines on stdout.
func New(env, level string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if env == "dev" || env == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return zerolog.New(out).Level(parseLevel(level)).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
