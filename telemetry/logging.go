package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// InitLogging installs the default slog logger. level is debug|info|warn|error
// (unknown values fall back to info), format is text|json.
func InitLogging(level, format string) *slog.Logger {
	return initLogging(os.Stdout, level, format)
}

func initLogging(w io.Writer, level, format string) *slog.Logger {
	lvl, known := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
		format = "json"
	} else {
		handler = slog.NewTextHandler(w, opts)
		format = "text"
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	if !known {
		logger.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	logger.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
	return logger
}

// ParseLevel maps a LOG_LEVEL value to a slog level. The bool is false for
// unrecognised values.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	case "info", "":
		return slog.LevelInfo, true
	default:
		return slog.LevelInfo, false
	}
}
