package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterAccumulates(t *testing.T) {
	r := NewRegistry()

	r.IncrementCounter("pickup_requests_total", map[string]string{"type": "status-request"}, "requests")
	r.IncrementCounter("pickup_requests_total", map[string]string{"type": "status-request"}, "requests")
	r.AddToCounter("pickup_requests_total", 3, map[string]string{"type": "status-request"}, "requests")

	all := r.GetAllMetrics()
	counters := all["counters"].(map[string]*Metric)
	require.Len(t, counters, 1)
	for _, c := range counters {
		assert.Equal(t, float64(5), c.Value)
	}
}

func TestMetricKeyStableAcrossLabelOrder(t *testing.T) {
	a := metricKey("m", map[string]string{"x": "1", "y": "2"})
	b := metricKey("m", map[string]string{"y": "2", "x": "1"})

	assert.Equal(t, a, b)
	assert.Equal(t, "m", metricKey("m", nil))
}

func TestTimerAggregation(t *testing.T) {
	r := NewRegistry()

	r.RecordTimer("queue_op", 10*time.Millisecond, nil, "op")
	r.RecordTimer("queue_op", 30*time.Millisecond, nil, "op")

	timers := r.GetAllMetrics()["timers"].(map[string]*TimerMetric)
	require.Len(t, timers, 1)
	for _, tm := range timers {
		assert.Equal(t, int64(2), tm.Count)
		assert.Equal(t, float64(10), tm.Min)
		assert.Equal(t, float64(30), tm.Max)
		assert.Equal(t, float64(20), tm.Average)
	}
}

func TestGaugeOverwrites(t *testing.T) {
	r := NewRegistry()

	r.SetGauge("sessions_active", 3, nil, "live sessions")
	r.SetGauge("sessions_active", 1, nil, "live sessions")

	gauges := r.GetAllMetrics()["gauges"].(map[string]*Metric)
	require.Len(t, gauges, 1)
	for _, g := range gauges {
		assert.Equal(t, float64(1), g.Value)
	}
}

func TestPercentile(t *testing.T) {
	samples := []float64{5, 1, 4, 2, 3}

	assert.Equal(t, float64(5), percentile(samples, 0.95))
	assert.Zero(t, percentile(nil, 0.95))
}
