package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/quotafill-crawler/internal/progress"
)

// Publisher sends a message payload with attributes to a topic.
type Publisher interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error)
}

// PubSubSink notifies downstream consumers when a partition reaches its quota
// or a run finishes. Other stages are ignored.
type PubSubSink struct {
	publisher Publisher
	logger    *zap.Logger
}

// NewPubSubSink wraps a publisher.
func NewPubSubSink(p Publisher, logger *zap.Logger) (*PubSubSink, error) {
	if p == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSink{publisher: p, logger: logger.Named("pubsub_sink")}, nil
}

// Consume publishes the notable events of the batch. Every event is
// attempted; failures are joined.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Stage != progress.StagePartitionComplete && evt.Stage != progress.StageRunDone {
			continue
		}
		data, err := json.Marshal(evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal event: %w", err))
			continue
		}
		attrs := map[string]string{
			"stage":  string(evt.Stage),
			"source": evt.Source,
		}
		if evt.Partition != "" {
			attrs["partition"] = evt.Partition
		}
		id, err := s.publisher.Publish(ctx, data, attrs)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s %s: %w", evt.Stage, evt.Source, err))
			continue
		}
		s.logger.Debug("progress published", zap.String("message_id", id), zap.String("stage", string(evt.Stage)))
	}
	return errors.Join(errs...)
}

// Close implements progress.Sink; the publisher is owned by the caller.
func (s *PubSubSink) Close(context.Context) error {
	return nil
}
