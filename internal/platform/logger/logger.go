// Package logger builds the process-wide structured logger for the fiscal
// engine. Components receive it through their options; none construct
// loggers of their own.
package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON slog logger writing to stdout at Info level.
func New() *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(handler)
}
