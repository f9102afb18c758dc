package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/techplay/ab-cli/internal/model"
)

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Sum[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Sum[int64]{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				out[m.Name] = sum
			}
		}
	}
	return out
}

func TestMetrics_CountsEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := NewWithReader(reader)
	require.NoError(t, err)
	ctx := context.Background()
	t.Cleanup(func() { _ = m.Close(ctx) })

	base := model.Event{ExperimentKey: "cta", Variant: "A"}
	assign := base
	assign.Name = model.EventAssign
	assign.Metadata = map[string]any{"source": "random"}
	imp := base
	imp.Name = model.EventImpression

	require.NoError(t, m.Emit(ctx, assign))
	require.NoError(t, m.Emit(ctx, imp))
	require.NoError(t, m.Emit(ctx, imp))

	sums := collectSums(t, reader)

	events := sums["ab_events_total"]
	var impressions int64
	for _, dp := range events.DataPoints {
		if v, ok := dp.Attributes.Value("event"); ok && v.AsString() == "ab_impression" {
			impressions = dp.Value
		}
	}
	assert.Equal(t, int64(2), impressions)

	assigns := sums["ab_assignments_total"]
	require.Len(t, assigns.DataPoints, 1)
	src, ok := assigns.DataPoints[0].Attributes.Value("source")
	require.True(t, ok)
	assert.Equal(t, "random", src.AsString())
	assert.Equal(t, int64(1), assigns.DataPoints[0].Value)
}

func TestNew_Disabled(t *testing.T) {
	_, err := New(context.Background(), Config{Enabled: false})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}
