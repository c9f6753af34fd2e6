// Package logger installs the process-wide slog default handler: JSON
// in production, text in dev mode.
package logger

import (
	"log/slog"
	"os"
)

func Init(isDev bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}

	if isDev {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
