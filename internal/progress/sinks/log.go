package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/quotafill-crawler/internal/progress"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume logs every event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.String("source", evt.Source),
		}
		switch evt.Stage {
		case progress.StageWalked:
			fields = append(fields,
				zap.String("partition", evt.Partition),
				zap.Int("pages", evt.Pages),
				zap.Int("accepted", evt.Accepted),
				zap.Int("duplicates", evt.Duplicates),
				zap.Int("rejected", evt.Rejected),
			)
		case progress.StageFilled, progress.StagePartitionComplete:
			fields = append(fields,
				zap.String("partition", evt.Partition),
				zap.Int("attempted", evt.Attempted),
				zap.Int("stored", evt.Stored),
				zap.Int("usable", evt.Usable),
				zap.Int("quota", evt.Quota),
			)
		case progress.StageRoundDone:
			fields = append(fields,
				zap.Int("round", evt.Round),
				zap.Int("open", evt.Open),
				zap.Int("stored", evt.Stored),
				zap.Duration("dur", evt.Dur),
			)
		case progress.StageRunDone:
			fields = append(fields,
				zap.String("run_id", evt.RunID),
				zap.String("reason", evt.Reason),
				zap.Int("rounds", evt.Round),
				zap.Int("stored", evt.Stored),
				zap.Int("open", evt.Open),
			)
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
