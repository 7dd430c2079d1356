package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/quotafill-crawler/internal/progress"
)

// PrometheusSink exports run-level progress: events by stage, completed
// partitions, round durations, and finished runs by stop reason.
type PrometheusSink struct {
	events        *prometheus.CounterVec
	completed     *prometheus.CounterVec
	roundDuration *prometheus.HistogramVec
	runs          *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotafill_progress_events_total",
			Help: "Progress events partitioned by source and stage.",
		}, []string{"source", "stage"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotafill_partitions_completed_total",
			Help: "Partitions that reached their quota.",
		}, []string{"source"}),
		roundDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quotafill_round_duration_seconds",
			Help:    "Wall time per scheduler round.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"source"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotafill_runs_finished_total",
			Help: "Finished driver runs partitioned by stop reason.",
		}, []string{"source", "reason"}),
	}
	var err error
	if s.events, err = register(reg, s.events); err != nil {
		return nil, err
	}
	if s.completed, err = register(reg, s.completed); err != nil {
		return nil, err
	}
	if s.roundDuration, err = register(reg, s.roundDuration); err != nil {
		return nil, err
	}
	if s.runs, err = register(reg, s.runs); err != nil {
		return nil, err
	}
	return s, nil
}

// register adds c to reg, reusing an identical collector that is already
// registered so several sinks can share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register progress collector: %w", err)
	}
	return c, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(evt.Source, string(evt.Stage)).Inc()
		switch evt.Stage {
		case progress.StagePartitionComplete:
			s.completed.WithLabelValues(evt.Source).Inc()
		case progress.StageRoundDone:
			if evt.Dur > 0 {
				s.roundDuration.WithLabelValues(evt.Source).Observe(evt.Dur.Seconds())
			}
		case progress.StageRunDone:
			s.runs.WithLabelValues(evt.Source, evt.Reason).Inc()
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
