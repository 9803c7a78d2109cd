package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all ijave metrics instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	StepDuration    metric.Float64Histogram
	ExchangeLatency metric.Float64Histogram
	StepsCompleted  metric.Int64Counter
	StepFailures    metric.Int64Counter
	JobsCompleted   metric.Int64Counter
	QueueDepth      metric.Int64UpDownCounter
	Broadcasts      metric.Int64Counter
	LiveListeners   metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("ijave.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram("ijave.step.duration",
		metric.WithDescription("Generation step duration in seconds, persistence included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ExchangeLatency, err = meter.Float64Histogram("ijave.engine.duration",
		metric.WithDescription("Engine exchange duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StepsCompleted, err = meter.Int64Counter("ijave.step.completed",
		metric.WithDescription("Generation steps persisted"),
	)
	if err != nil {
		return nil, err
	}

	m.StepFailures, err = meter.Int64Counter("ijave.step.failures",
		metric.WithDescription("Generation steps that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsCompleted, err = meter.Int64Counter("ijave.job.completed",
		metric.WithDescription("Generation jobs that reached their final step"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("ijave.executor.queued",
		metric.WithDescription("Generation tasks waiting for the engine"),
	)
	if err != nil {
		return nil, err
	}

	m.Broadcasts, err = meter.Int64Counter("ijave.bus.broadcasts",
		metric.WithDescription("Messages broadcast on a topic"),
	)
	if err != nil {
		return nil, err
	}

	m.LiveListeners, err = meter.Int64UpDownCounter("ijave.bus.listeners",
		metric.WithDescription("Registered topic listeners"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordBroadcast counts one broadcast on topic.
func (m *Metrics) RecordBroadcast(ctx context.Context, topic string, listeners int) {
	if m == nil {
		return
	}
	m.Broadcasts.Add(ctx, 1, metric.WithAttributes(
		AttrTopic.String(topic),
		attribute.Bool("ijave.bus.delivered", listeners > 0),
	))
}

// AddListeners tracks listener registration on topic.
func (m *Metrics) AddListeners(ctx context.Context, topic string, delta int64) {
	if m == nil {
		return
	}
	m.LiveListeners.Add(ctx, delta, metric.WithAttributes(AttrTopic.String(topic)))
}
