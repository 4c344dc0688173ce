// Package sinks provides progress.Sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/reflib/refharvest/internal/progress"
)

// LogSink emits structured logs for every progress event. Useful during
// development or when no durable observer is attached.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.logger.Info("progress event",
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("phase", string(evt.Phase)),
			zap.Int("index", evt.Index),
			zap.String("outcome", string(evt.Outcome)),
			zap.String("message", evt.Message),
			zap.Duration("dur", evt.Dur),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
