package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func histogram(t *testing.T, m prometheus.Metric) *io_prometheus_client.Histogram {
	t.Helper()
	var out io_prometheus_client.Metric
	require.NoError(t, m.Write(&out))
	require.NotNil(t, out.GetHistogram())
	return out.GetHistogram()
}

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)

	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 5*time.Millisecond)
	assert.GreaterOrEqual(t, timer.Duration(), first)
}

func TestTimerObservesDispatchDuration(t *testing.T) {
	before := histogram(t, DispatchDuration)

	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDuration(DispatchDuration)

	after := histogram(t, DispatchDuration)
	assert.Equal(t, before.GetSampleCount()+1, after.GetSampleCount())
	assert.GreaterOrEqual(t, after.GetSampleSum()-before.GetSampleSum(), 0.005)
}

func TestTimerObservesLabelledChild(t *testing.T) {
	child := QueryDuration.WithLabelValues("timer-test").(prometheus.Metric)
	other := QueryDuration.WithLabelValues("timer-test-other").(prometheus.Metric)
	before := histogram(t, child).GetSampleCount()

	NewTimer().ObserveDurationVec(QueryDuration, "timer-test")
	NewTimer().ObserveDurationVec(QueryDuration, "timer-test")

	assert.Equal(t, before+2, histogram(t, child).GetSampleCount())
	assert.Zero(t, histogram(t, other).GetSampleCount())
}
