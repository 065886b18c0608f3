package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a configured level name onto a slog.Level. Unknown values
// resolve to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a logger writing to w.
//
// format: "json" → JSONHandler (machine readable; recommended for production)
//
//	anything else → TextHandler (human readable; suitable for local development)
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// level backs the default logger so SetLevel can change it at runtime.
var level = new(slog.LevelVar)

// SetupLogger installs a stdout logger as the slog default so that package
// level slog calls across Mechanic pick up the configured format and level.
func SetupLogger(format, lvl string) {
	level.Set(ParseLevel(lvl))
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level.Level() == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialised", "format", format, "level", level.Level().String())
}

// SetLevel changes the level of the logger installed by SetupLogger.
func SetLevel(lvl string) {
	next := ParseLevel(lvl)
	if level.Level() == next {
		return
	}
	level.Set(next)
	slog.Info("log level changed", "level", next.String())
}

// Level reports the current level of the default logger.
func Level() slog.Level {
	return level.Level()
}
