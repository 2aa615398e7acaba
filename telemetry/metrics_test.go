package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			data, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range data.DataPoints {
				sums[m.Name] += dp.Value
			}
		}
	}
	return sums
}

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := New(provider)
	require.NoError(t, err)

	m.FaultHandled("null-check")
	m.FaultHandled("null-check")
	m.FaultHandled("suspend-check")
	m.FaultUnhandled()
	m.RangeAdded()
	m.RangeRemoved()
	m.CheckpointRun()

	sums := collect(t, reader)
	assert.Equal(t, int64(3), sums["caldera.faults.handled"])
	assert.Equal(t, int64(1), sums["caldera.faults.unhandled"])
	assert.Equal(t, int64(1), sums["caldera.code_ranges.added"])
	assert.Equal(t, int64(1), sums["caldera.code_ranges.removed"])
	assert.Equal(t, int64(1), sums["caldera.checkpoints.run"])
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	m.FaultHandled("null-check")
	m.FaultUnhandled()
	m.RangeAdded()
	m.RangeRemoved()
	m.CheckpointRun()
}
