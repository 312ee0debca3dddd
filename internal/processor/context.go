package processor

import (
	"context"

	"go.uber.org/zap"
)

type contextKey int

const (
	loggerKey contextKey = iota
	workerKey
)

// WithLogger attaches the execution logger to ctx
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger returns the execution logger, or a no-op logger outside an execution
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return zap.NewNop()
}

// WithWorkerID records the worker running the execution
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerKey, workerID)
}

// WorkerID returns the worker running the execution
func WorkerID(ctx context.Context) string {
	id, _ := ctx.Value(workerKey).(string)
	return id
}
