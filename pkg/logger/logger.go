// Package logger sets up the process-wide structured logger.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup builds a text-handler slog.Logger writing to w at the given level
// and installs it as the slog default. w is typically os.Stdout; tests may
// pass any io.Writer.
func Setup(logLevel string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handlerOptions := &slog.HandlerOptions{Level: getLogLevel(logLevel)}
	logger := slog.New(slog.NewTextHandler(w, handlerOptions))
	slog.SetDefault(logger)
	return logger
}

func getLogLevel(logLevel string) slog.Level {
	switch strings.ToUpper(logLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
