// Logging setup shared by all packages
package utils

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

var (
	logger     *slog.Logger
	loggerOnce sync.Once
)

// InitLogger configures the process-wide logger. Level comes from
// QUILLCHAT_LOG_LEVEL (debug|info|warn|error, default info). When stderr is a
// terminal a colorized tint handler is used, otherwise plain text.
func InitLogger() {
	loggerOnce.Do(func() {
		level := parseLevel(os.Getenv("QUILLCHAT_LOG_LEVEL"))

		var handler slog.Handler
		if isatty.IsTerminal(os.Stderr.Fd()) {
			handler = tint.NewHandler(os.Stderr, &tint.Options{
				Level:      level,
				TimeFormat: time.TimeOnly,
			})
		} else {
			handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		}

		logger = slog.New(handler)
		slog.SetDefault(logger)
	})
}

// GetLogger returns the shared logger, initializing it if needed.
func GetLogger() *slog.Logger {
	InitLogger()
	return logger
}

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
