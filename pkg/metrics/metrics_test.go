package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RunsStarted.Inc()
	m.RunFinished("completed")
	m.RunFinished("completed")
	m.RunFinished("failed")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RunsStarted))

	expected := `
		# HELP drover_runs_finished_total Terminal runs by status
		# TYPE drover_runs_finished_total counter
		drover_runs_finished_total{status="completed"} 2
		drover_runs_finished_total{status="failed"} 1
	`
	require.NoError(t, testutil.CollectAndCompare(m.RunsFinished, strings.NewReader(expected)))
}

func TestRunProgress(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RunProgress(3, 2)
	m.RunProgress(1, 0)

	assert.Equal(t, float64(4), testutil.ToFloat64(m.StepsExecuted))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.AutoContinues))
}

func TestIndependentRegistries(t *testing.T) {
	// Two instances must not collide, so tests and embedded uses can
	// build their own.
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())

	a.StepsExecuted.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.StepsExecuted))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.StepsExecuted))
}
