package cli

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// parseLevel maps a config level name to a slog level. Unknown names are
// treated as info.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// setupLogging installs a text handler on w. An empty level falls back to
// CRAFTSWARM_LOG_LEVEL, which worker processes inherit from the supervisor.
func setupLogging(w io.Writer, level string) {
	if level == "" {
		level = os.Getenv("CRAFTSWARM_LOG_LEVEL")
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	slog.SetDefault(slog.New(h))
}
