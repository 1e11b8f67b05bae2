package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all conductor metrics instruments.
type Metrics struct {
	ExecutionDuration metric.Float64Histogram
	InvokerDuration    metric.Float64Histogram
	ExecutionsTotal    metric.Int64Counter
	ExecutionFailures  metric.Int64Counter
	QueueDepth         metric.Int64UpDownCounter
	DispatchedTotal    metric.Int64Counter
	SinkErrors         metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ExecutionDuration, err = meter.Float64Histogram("conductor.execution.duration",
		metric.WithDescription("End-to-end job execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.InvokerDuration, err = meter.Float64Histogram("conductor.invoker.duration",
		metric.WithDescription("Agent invocation backend call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ExecutionsTotal, err = meter.Int64Counter("conductor.executions.total",
		metric.WithDescription("Total job executions completed"),
	)
	if err != nil {
		return nil, err
	}

	m.ExecutionFailures, err = meter.Int64Counter("conductor.executions.failures",
		metric.WithDescription("Total job executions that ended in failure or timeout"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("conductor.queue.depth",
		metric.WithDescription("Current number of executions waiting in the dispatcher queue"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchedTotal, err = meter.Int64Counter("conductor.dispatched.total",
		metric.WithDescription("Total executions accepted by the dispatcher"),
	)
	if err != nil {
		return nil, err
	}

	m.SinkErrors, err = meter.Int64Counter("conductor.sink.errors",
		metric.WithDescription("Total output sink delivery errors"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
