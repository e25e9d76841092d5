package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/kvstream"
	"github.com/droverhq/drover/pkg/llm"
	"github.com/droverhq/drover/pkg/services"
)

func TestSweepFailsOrphanedRuns(t *testing.T) {
	f := newDriverFixture(t, llm.NewScriptedClient())
	pool := newTestPool(f)
	ctx := context.Background()

	now := time.Now()
	f.runs.listRuns = []services.AgentRun{
		{ID: "run-live", AccountID: "acct-1", Status: "running", StartedAt: &now},
		{ID: "run-dead", AccountID: "acct-2", Status: "running", StartedAt: &now},
	}
	f.runs.setStatus("run-live", "running")
	f.runs.setStatus("run-dead", "running")

	// Only run-live still holds an ownership lock.
	require.NoError(t, f.kv.Set(ctx, kvstream.RunLockKey("run-live"), "inst-x", time.Minute))

	require.NoError(t, pool.sweepStaleRuns(ctx))

	status, errMsg := f.runs.status("run-dead")
	assert.Equal(t, "failed", status)
	assert.Contains(t, errMsg, "no live ownership lock")

	status, _ = f.runs.status("run-live")
	assert.Equal(t, "running", status)

	h := pool.Health()
	assert.Equal(t, 1, h.StaleRunsSwept)
	assert.False(t, h.LastSweep.IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.StaleRunsFailed))
}

func TestSweepQueryFailure(t *testing.T) {
	f := newDriverFixture(t, llm.NewScriptedClient())
	pool := newTestPool(f)

	f.runs.listErr = errors.New("db unavailable")
	err := pool.sweepStaleRuns(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale runs")
}

func TestSweepSkipsAlreadyTerminal(t *testing.T) {
	f := newDriverFixture(t, llm.NewScriptedClient())
	pool := newTestPool(f)
	ctx := context.Background()

	now := time.Now()
	f.runs.listRuns = []services.AgentRun{
		{ID: "run-done", AccountID: "acct-1", Status: "running", StartedAt: &now},
	}
	// The row flipped to completed between the query and the sweep.
	f.runs.setStatus("run-done", "completed")

	require.NoError(t, pool.sweepStaleRuns(ctx))

	assert.Contains(t, f.runs.failCalls, "run-done")
	status, _ := f.runs.status("run-done")
	assert.Equal(t, "completed", status)
	assert.Zero(t, pool.Health().StaleRunsSwept)
	assert.Zero(t, testutil.ToFloat64(f.m.StaleRunsFailed))
}
