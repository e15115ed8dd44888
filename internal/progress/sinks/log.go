package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/progress"
)

// LogSink writes one structured line per attempt. Failures log at warn.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		entry := evt.Log
		fields := []zap.Field{
			zap.String("log_id", entry.ID),
			zap.String("kind", string(entry.Kind)),
			zap.String("subject_id", entry.SubjectID),
			zap.String("source_id", entry.SourceID),
			zap.String("batch_id", entry.BatchID),
			zap.String("agent_id", entry.AgentID),
			zap.String("stage", entry.Stage),
			zap.Int("attempt", entry.Attempt),
			zap.Int("items", entry.ItemCount),
			zap.Duration("dur", entry.Duration()),
		}
		if evt.HealthChanged() {
			fields = append(fields,
				zap.String("health_from", string(evt.SourceBefore)),
				zap.String("health_to", string(evt.SourceAfter)),
			)
		}
		if entry.Outcome == crawler.OutcomeFailure {
			fields = append(fields,
				zap.String("error_kind", string(entry.ErrorKind)),
				zap.String("error", entry.ErrorMessage),
			)
			s.logger.Warn("attempt failed", fields...)
			continue
		}
		s.logger.Info("attempt succeeded", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
