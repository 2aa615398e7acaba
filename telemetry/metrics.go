// Package telemetry publishes counters for the fault machinery over
// OpenTelemetry. Recording happens on the slow paths only: after a fault has
// been classified and the context rewritten, or on registry mutation, never
// inside the lock-free signal walk itself.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/calderavm/caldera/log"
)

// Metrics holds the instruments. A nil *Metrics is valid and records nothing,
// so callers never need to guard their recording sites.
type Metrics struct {
	faultsHandled   metric.Int64Counter
	faultsUnhandled metric.Int64Counter
	rangesAdded     metric.Int64Counter
	rangesRemoved   metric.Int64Counter
	checkpoints     metric.Int64Counter
}

func New(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("github.com/calderavm/caldera")
	m := &Metrics{}
	var err error
	if m.faultsHandled, err = meter.Int64Counter("caldera.faults.handled",
		metric.WithDescription("Faults claimed by a classifier, by kind")); err != nil {
		return nil, fmt.Errorf("faults.handled counter: %w", err)
	}
	if m.faultsUnhandled, err = meter.Int64Counter("caldera.faults.unhandled",
		metric.WithDescription("Faults no classifier claimed")); err != nil {
		return nil, fmt.Errorf("faults.unhandled counter: %w", err)
	}
	if m.rangesAdded, err = meter.Int64Counter("caldera.code_ranges.added",
		metric.WithDescription("Generated code ranges registered")); err != nil {
		return nil, fmt.Errorf("code_ranges.added counter: %w", err)
	}
	if m.rangesRemoved, err = meter.Int64Counter("caldera.code_ranges.removed",
		metric.WithDescription("Generated code ranges retired")); err != nil {
		return nil, fmt.Errorf("code_ranges.removed counter: %w", err)
	}
	if m.checkpoints, err = meter.Int64Counter("caldera.checkpoints.run",
		metric.WithDescription("Empty checkpoints run as registry grace periods")); err != nil {
		return nil, fmt.Errorf("checkpoints.run counter: %w", err)
	}
	return m, nil
}

// Default builds Metrics on the global meter provider. Returns nil (a no-op
// recorder) if instrument creation fails.
func Default() *Metrics {
	m, err := New(otel.GetMeterProvider())
	if err != nil {
		log.Warn(log.FaultMonitoring, "telemetry disabled", "err", err)
		return nil
	}
	return m
}

func (m *Metrics) FaultHandled(kind string) {
	if m == nil {
		return
	}
	m.faultsHandled.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) FaultUnhandled() {
	if m == nil {
		return
	}
	m.faultsUnhandled.Add(context.Background(), 1)
}

func (m *Metrics) RangeAdded() {
	if m == nil {
		return
	}
	m.rangesAdded.Add(context.Background(), 1)
}

func (m *Metrics) RangeRemoved() {
	if m == nil {
		return
	}
	m.rangesRemoved.Add(context.Background(), 1)
}

func (m *Metrics) CheckpointRun() {
	if m == nil {
		return
	}
	m.checkpoints.Add(context.Background(), 1)
}
