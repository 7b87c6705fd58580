package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey   contextKey = "logger"
	transferKey contextKey = "transfer"
)

type transferAttrs struct {
	id        string
	direction string
}

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithTransfer tags every record logged with ctx with the transfer it belongs to.
func WithTransfer(ctx context.Context, id, direction string) context.Context {
	return context.WithValue(ctx, transferKey, transferAttrs{id: id, direction: direction})
}

// TransferFromContext returns the transfer tagged by WithTransfer, if any.
func TransferFromContext(ctx context.Context) (id, direction string, ok bool) {
	t, ok := ctx.Value(transferKey).(transferAttrs)

	return t.id, t.direction, ok
}
