package logger

import (
	"context"

	"go.uber.org/zap"

	"mailtriage/pkg/trace"
)

func NewLogger() *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return l
}

// WithCorrelation 从 context 中提取 correlation_id 并添加到 logger
func WithCorrelation(ctx context.Context, logger *zap.Logger) *zap.Logger {
	id := trace.FromContext(ctx)
	if id != "" {
		return logger.With(zap.String("correlation_id", id))
	}
	return logger
}
