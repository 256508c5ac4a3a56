// Package metrics exposes the OpenTelemetry instruments FlowSync's core
// emits and a small in-process log tap used by the diagnostics endpoint.
package metrics

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Instruments bundles every counter/histogram the publisher, orchestrator,
// consumer, and scheduler record against. Values are recorded without
// attributes: neither nodeType nor stepId is attached to any of them.
type Instruments struct {
	StepsScheduled      metric.Int64Counter
	StepsCompleted      metric.Int64Counter
	StepsFailed         metric.Int64Counter
	StepsRetried        metric.Int64Counter
	StepDuration        metric.Float64Histogram
	QueueDepth          metric.Int64UpDownCounter
	DLQDepth            metric.Int64UpDownCounter
	BackpressureTrips   metric.Int64Counter
	ExecutionsStarted   metric.Int64Counter
	ExecutionsCompleted metric.Int64Counter
	ExecutionsFailed    metric.Int64Counter
	TriggerFired        metric.Int64Counter
}

// New builds Instruments off the given meter. Errors from instrument
// creation are program bugs (bad name, bad unit), so they panic rather
// than degrade silently into a meter with half its instruments missing.
func New(meter metric.Meter) *Instruments {
	stepsScheduled, err := meter.Int64Counter("flowsync_steps_scheduled_total")
	panicOn(err)
	stepsCompleted, err := meter.Int64Counter("flowsync_steps_completed_total")
	panicOn(err)
	stepsFailed, err := meter.Int64Counter("flowsync_steps_failed_total")
	panicOn(err)
	stepsRetried, err := meter.Int64Counter("flowsync_steps_retried_total")
	panicOn(err)
	stepDuration, err := meter.Float64Histogram("flowsync_step_duration_ms")
	panicOn(err)
	queueDepth, err := meter.Int64UpDownCounter("flowsync_queue_depth")
	panicOn(err)
	dlqDepth, err := meter.Int64UpDownCounter("flowsync_dlq_depth")
	panicOn(err)
	bpTrips, err := meter.Int64Counter("flowsync_backpressure_trips_total")
	panicOn(err)
	execStarted, err := meter.Int64Counter("flowsync_executions_started_total")
	panicOn(err)
	execCompleted, err := meter.Int64Counter("flowsync_executions_completed_total")
	panicOn(err)
	execFailed, err := meter.Int64Counter("flowsync_executions_failed_total")
	panicOn(err)
	triggerFired, err := meter.Int64Counter("flowsync_trigger_fired_total")
	panicOn(err)

	return &Instruments{
		StepsScheduled:      stepsScheduled,
		StepsCompleted:      stepsCompleted,
		StepsFailed:         stepsFailed,
		StepsRetried:        stepsRetried,
		StepDuration:        stepDuration,
		QueueDepth:          queueDepth,
		DLQDepth:            dlqDepth,
		BackpressureTrips:   bpTrips,
		ExecutionsStarted:   execStarted,
		ExecutionsCompleted: execCompleted,
		ExecutionsFailed:    execFailed,
		TriggerFired:        triggerFired,
	}
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}

// Noop returns Instruments backed by the otel noop meter provider, for
// tests and for runs with no collector configured.
func Noop() *Instruments {
	return New(noop.NewMeterProvider().Meter("flowsync"))
}
