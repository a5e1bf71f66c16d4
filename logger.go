package ocppnet

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// InitLogger configures the global slog logger to output structured JSON
// to stderr. Call this once at program startup before creating a Server or
// Client. The level controls the minimum log level.
func InitLogger(level slog.Level) {
	initLogger(os.Stderr, level, "json")
}

// InitLoggerFormat is InitLogger with a choice of "json" or "text" output.
func InitLoggerFormat(level slog.Level, format string) {
	initLogger(os.Stderr, level, format)
}

func initLogger(w io.Writer, level slog.Level, format string) {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// ParseLogLevel accepts debug, info, warn or error.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
