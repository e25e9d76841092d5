// Package e2e boots a complete drover instance against miniredis and
// in-memory stores, then drives it through its real surfaces: jobs in on
// the broker stream, events out on run streams and pub/sub, status and
// live streaming through the HTTP API.
package e2e

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/agent"
	"github.com/droverhq/drover/pkg/agent/controller"
	"github.com/droverhq/drover/pkg/api"
	"github.com/droverhq/drover/pkg/buffer"
	"github.com/droverhq/drover/pkg/cache"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/coordination"
	"github.com/droverhq/drover/pkg/kvstream"
	"github.com/droverhq/drover/pkg/lifecycle"
	"github.com/droverhq/drover/pkg/llm"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/queue"
	"github.com/droverhq/drover/pkg/services"
	"github.com/droverhq/drover/pkg/sinks"
)

// TestApp is one booted drover instance.
type TestApp struct {
	Redis      *miniredis.Miniredis
	KV         *kvstream.Client
	Runs       *RunStore
	Transcript *TranscriptStore
	Context    *ContextStub
	Broker     *queue.Broker
	Pool       *queue.WorkerPool
	Lifecycle  *lifecycle.Manager
	Metrics    *metrics.Metrics
	RunCfg     *config.RunConfig
	InstanceID string

	// BaseURL of the instance's HTTP API.
	BaseURL string

	t *testing.T
}

type registeredTool struct {
	def agent.ToolDefinition
	fn  agent.ToolFunc
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	client           llm.Client
	instanceID       string
	workerCount      int
	maxAutoContinues int
	ledger           controller.CreditLedger
	tools            []registeredTool
	shared           *TestApp
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithLLMClient sets the scripted LLM client every model resolves to.
func WithLLMClient(client llm.Client) TestAppOption {
	return func(c *testAppConfig) { c.client = client }
}

// WithInstanceID overrides the auto-generated instance ID. Required for
// multi-instance tests so each replica has a distinct claiming identity.
func WithInstanceID(id string) TestAppOption {
	return func(c *testAppConfig) { c.instanceID = id }
}

// WithWorkerCount sets the number of worker goroutines.
func WithWorkerCount(n int) TestAppOption {
	return func(c *testAppConfig) { c.workerCount = n }
}

// WithMaxAutoContinues overrides the auto-continue budget.
func WithMaxAutoContinues(n int) TestAppOption {
	return func(c *testAppConfig) { c.maxAutoContinues = n }
}

// WithLedger injects a credit ledger and enables per-step reservations.
func WithLedger(ledger controller.CreditLedger) TestAppOption {
	return func(c *testAppConfig) { c.ledger = ledger }
}

// WithTool registers an extra tool beside the built-in terminators.
func WithTool(def agent.ToolDefinition, fn agent.ToolFunc) TestAppOption {
	return func(c *testAppConfig) { c.tools = append(c.tools, registeredTool{def: def, fn: fn}) }
}

// WithSharedInfra points this instance at another app's Redis and stores,
// so two instances contend for the same runs.
func WithSharedInfra(app *TestApp) TestAppOption {
	return func(c *testAppConfig) { c.shared = app }
}

// NewTestApp creates and starts a full drover test instance. Shutdown is
// registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		workerCount:      1,
		maxAutoContinues: 25,
	}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.client == nil {
		tc.client = llm.NewScriptedClient()
	}
	if tc.instanceID == "" {
		tc.instanceID = fmt.Sprintf("e2e-%s", t.Name())
	}

	// 1. Redis and stores, possibly shared with another instance.
	var (
		mr         *miniredis.Miniredis
		kv         *kvstream.Client
		runs       *RunStore
		transcript *TranscriptStore
		contexts   *ContextStub
	)
	if tc.shared != nil {
		mr = tc.shared.Redis
		runs = tc.shared.Runs
		transcript = tc.shared.Transcript
		contexts = tc.shared.Context
	} else {
		mr = miniredis.RunT(t)
		runs = NewRunStore()
		transcript = NewTranscriptStore()
		contexts = NewContextStub()
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv = kvstream.NewClientFromRedis(rdb, 2*time.Second)

	// 2. Config blocks sized for tests.
	runCfg := &config.RunConfig{
		MaxSteps:          100,
		MaxAutoContinues:  tc.maxAutoContinues,
		HeartbeatInterval: 10 * time.Second,
		LockTTL:           30 * time.Second,
		ToolTimeout:       30 * time.Second,
		LLMRequestTimeout: 30 * time.Second,
		TerminatorTools:   []string{"ask", "complete"},
	}
	streamCfg := &config.StreamConfig{
		MaxLen:           10000,
		CompletedTTL:     time.Hour,
		MaxPendingOps:    500,
		SubscribeTimeout: 2 * time.Second,
		DrainWait:        2 * time.Second,
	}
	workerCfg := &config.WorkerConfig{
		WorkerCount:             tc.workerCount,
		MaxConcurrentRuns:       4,
		ClaimBlock:              100 * time.Millisecond,
		ReclaimIdle:             time.Minute,
		GracefulShutdownTimeout: 10 * time.Second,
		StaleSweepInterval:      time.Minute,
		StaleThreshold:          time.Minute,
	}

	// 3. Lifecycle and transcript buffer.
	lc := lifecycle.NewManager(kv, runs, runCfg, streamCfg.CompletedTTL, tc.instanceID)
	buf := buffer.New(transcript, buffer.Config{FlushInterval: 50 * time.Millisecond, MaxQueued: 1000})
	buf.Start()

	// 4. Tool registry: built-in terminators plus test tools.
	registry := agent.NewRegistry()
	require.NoError(t, agent.RegisterBuiltins(registry))
	for _, tool := range tc.tools {
		require.NoError(t, registry.Register(tool.def, tool.fn))
	}

	// 5. Driver and worker pool over the real broker.
	m := metrics.New(prometheus.NewRegistry())
	inv := cache.NewInvalidator()
	broker := queue.NewBroker(kv, nil)
	driver := queue.NewDriver(queue.DriverDeps{
		Lifecycle:          lc,
		KV:                 kv,
		Provider:           llm.ScriptedProvider{Client: tc.client, Target: llm.Target{Provider: "openai", Model: "gpt-4o"}},
		Runs:               runs,
		Agents:             staticAgents{},
		Contexts:           contexts,
		Ledger:             tc.ledger,
		ReservationEnabled: tc.ledger != nil,
		Registry:           registry,
		Buffer:             buf,
		Guard:              coordination.NewStepGuard(kv),
		Sinks:              sinks.NewBroker(kv, nil),
		Invalidator:        inv,
		Run:                runCfg,
		Stream:             streamCfg,
		LLM:                &config.LLMConfig{MaxOutputTokens: 4096, PromptCaching: true},
		Metrics:            m,
	})
	pool := queue.NewWorkerPool(queue.PoolDeps{
		Broker:      broker,
		Driver:      driver,
		Lifecycle:   lc,
		KV:          kv,
		Sweeps:      runs,
		Invalidator: inv,
		Worker:      workerCfg,
		Metrics:     m,
	})
	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))

	// 6. HTTP API on an ephemeral port.
	srv := api.NewServer(api.ServerDeps{KV: kv, Runs: runs, Pool: pool})
	ts := httptest.NewServer(srv.Handler())

	app := &TestApp{
		Redis:      mr,
		KV:         kv,
		Runs:       runs,
		Transcript: transcript,
		Context:    contexts,
		Broker:     broker,
		Pool:       pool,
		Lifecycle:  lc,
		Metrics:    m,
		RunCfg:     runCfg,
		InstanceID: tc.instanceID,
		BaseURL:    ts.URL,
		t:          t,
	}

	// Shutdown in reverse-creation order.
	t.Cleanup(func() {
		lc.BeginShutdown()
		pool.Stop()
		ts.Close()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		buf.Stop(stopCtx)
		_ = kv.Close()
	})

	return app
}

// staticAgents resolves every run to the same test agent. Tool access is
// unrestricted so WithTool additions are visible without extra wiring.
type staticAgents struct{}

func (staticAgents) ResolveForRun(context.Context, string, string) (*services.AgentConfig, error) {
	return &services.AgentConfig{
		AgentID:      "agent-e2e",
		VersionID:    "v1",
		Name:         "E2E Agent",
		SystemPrompt: "You are a test agent.",
		Model:        "gpt-4o",
	}, nil
}
