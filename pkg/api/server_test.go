package api

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/kvstream"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/services"
)

type fakeRuns struct {
	mu   sync.Mutex
	runs map[string]*services.AgentRun
}

func (f *fakeRuns) GetRun(_ context.Context, runID string) (*services.AgentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, services.ErrNotFound)
	}
	copied := *run
	return &copied, nil
}

func (f *fakeRuns) set(run *services.AgentRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
}

func (f *fakeRuns) setStatus(runID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runs[runID]; ok {
		run.Status = status
	}
}

type serverFixture struct {
	mr   *miniredis.Miniredis
	kv   *kvstream.Client
	runs *fakeRuns
	m    *metrics.Metrics
	ts   *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := kvstream.NewClientFromRedis(rdb, 2*time.Second)
	t.Cleanup(func() { _ = kv.Close() })

	runs := &fakeRuns{runs: map[string]*services.AgentRun{}}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	srv := NewServer(ServerDeps{KV: kv, Runs: runs, Gatherer: reg})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &serverFixture{mr: mr, kv: kv, runs: runs, m: m, ts: ts}
}

func testRun(runID, status string) *services.AgentRun {
	started := time.Now().UTC()
	return &services.AgentRun{
		ID:        runID,
		ThreadID:  "thread-1",
		AccountID: "acct-1",
		AgentID:   "agent-1",
		Status:    status,
		StartedAt: &started,
		CreatedAt: started,
	}
}

// appendEnvelope seals one event into the run's stream and returns the
// entry id and envelope, for replay assertions.
func appendEnvelope(t *testing.T, kv *kvstream.Client, sealer *events.Sealer, runID string, ev events.Event) (string, events.Envelope) {
	t.Helper()
	env, err := sealer.Seal(ev)
	require.NoError(t, err)
	data, err := env.JSON()
	require.NoError(t, err)
	id, err := kv.StreamAppend(context.Background(), kvstream.RunStreamKey(runID), map[string]any{"data": string(data)}, 0)
	require.NoError(t, err)
	return id, env
}
