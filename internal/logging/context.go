package logging

import (
	"context"

	"github.com/sirupsen/logrus"
)

type loggerKeyType struct{}

var loggerKey loggerKeyType

// WithLogger attaches a request-scoped logger to ctx.
func WithLogger(parent context.Context, log logrus.FieldLogger) context.Context {
	return context.WithValue(parent, loggerKey, log)
}

// FromContext returns the logger attached to ctx, or fallback.
func FromContext(ctx context.Context, fallback logrus.FieldLogger) logrus.FieldLogger {
	if log, ok := ctx.Value(loggerKey).(logrus.FieldLogger); ok {
		return log
	}
	return fallback
}
