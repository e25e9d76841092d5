package e2e

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/kvstream"
	"github.com/droverhq/drover/pkg/llm"
	"github.com/droverhq/drover/pkg/queue"
	"github.com/droverhq/drover/pkg/services"
)

const waitTimeout = 10 * time.Second

// SubmitRun seeds a running row and its user turn, then enqueues the job.
// Mirrors what the ingress side does when a user message arrives.
func (app *TestApp) SubmitRun(t *testing.T, job queue.Job, userMessage string) {
	t.Helper()
	now := time.Now().UTC()
	app.Runs.Seed(&services.AgentRun{
		ID:        job.RunID,
		ThreadID:  job.ThreadID,
		AccountID: job.AccountID,
		AgentID:   job.AgentID,
		Status:    "running",
		StartedAt: &now,
	})
	app.Context.SeedUserMessage(job.ThreadID, userMessage)
	_, err := app.Broker.Enqueue(context.Background(), job)
	require.NoError(t, err)
}

// WaitForRunStatus polls the run store until the run reaches the status.
func (app *TestApp) WaitForRunStatus(t *testing.T, runID, status string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return app.Runs.Status(runID) == status
	}, waitTimeout, 20*time.Millisecond, "run %s never reached status %q (last: %q)", runID, status, app.Runs.Status(runID))
}

// WaitForIdle blocks until every job delivery is acknowledged. The ack
// happens after the driver returns, so once the stream is empty the
// post-run work (lock release, sink jobs, finish metrics) has run too.
func (app *TestApp) WaitForIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		depth, err := app.Broker.Depth(context.Background())
		return err == nil && depth == 0
	}, waitTimeout, 20*time.Millisecond, "job deliveries never fully acknowledged")
}

// StreamEnvelopes reads every envelope on the run's Redis stream, ordered
// by sequence number. Stream appends are asynchronous, so physical entry
// order is not the ordering contract — the sequence field is.
func (app *TestApp) StreamEnvelopes(t *testing.T, runID string) []events.Envelope {
	t.Helper()
	entries, err := app.KV.StreamRange(context.Background(), kvstream.RunStreamKey(runID), "", 100000)
	require.NoError(t, err)
	envs := make([]events.Envelope, 0, len(entries))
	for _, e := range entries {
		env, err := events.DecodeEnvelope([]byte(e.Fields["data"]))
		require.NoError(t, err)
		envs = append(envs, env)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].Sequence < envs[j].Sequence })
	return envs
}

// SinkJobTypes reads the job types enqueued on the background sink stream.
func (app *TestApp) SinkJobTypes(t *testing.T) []string {
	t.Helper()
	entries, err := app.KV.StreamRange(context.Background(), kvstream.SinkStream, "", 1000)
	require.NoError(t, err)
	types := make([]string, 0, len(entries))
	for _, e := range entries {
		types = append(types, e.Fields["type"])
	}
	return types
}

// SubscribeControl opens the run's global control channel before the
// terminal signal fires. Close the returned subscription when done.
func (app *TestApp) SubscribeControl(t *testing.T, runID string) *kvstream.Subscription {
	t.Helper()
	sub, err := app.KV.Subscribe(context.Background(), kvstream.RunControlChannel(runID))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

// contentDoc parses the envelope's content document.
func contentDoc(t *testing.T, env events.Envelope) map[string]any {
	t.Helper()
	doc, err := env.ContentDoc()
	require.NoError(t, err)
	return doc
}

// metadataDoc parses the envelope's metadata document.
func metadataDoc(t *testing.T, env events.Envelope) map[string]any {
	t.Helper()
	doc, err := env.MetadataDoc()
	require.NoError(t, err)
	return doc
}

// statusTypeOf returns content.status_type for status envelopes, "" for
// everything else.
func statusTypeOf(t *testing.T, env events.Envelope) string {
	t.Helper()
	if env.Type != events.TypeStatus {
		return ""
	}
	st, _ := contentDoc(t, env)["status_type"].(string)
	return st
}

// filterType keeps the envelopes of one type, in order.
func filterType(envs []events.Envelope, typ events.Type) []events.Envelope {
	var out []events.Envelope
	for _, env := range envs {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// assertSequencedFromZero verifies the per-run ordering contract: the run
// produced exactly one envelope per sequence number, starting at zero
// with no gaps. Expects the sequence-sorted view from StreamEnvelopes.
func assertSequencedFromZero(t *testing.T, envs []events.Envelope) {
	t.Helper()
	require.NotEmpty(t, envs)
	for i, env := range envs {
		assert.EqualValues(t, i, env.Sequence, "envelope at index %d (type %s)", i, env.Type)
	}
}

// waitForControl blocks for the next control message and asserts its
// payload. The terminal signal is published only after the stream is
// flushed, so receiving it also means every envelope is readable.
func waitForControl(t *testing.T, sub *kvstream.Subscription, want string) {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		assert.Equal(t, want, msg.Payload)
	case <-time.After(waitTimeout):
		t.Fatalf("no %s control signal within %s", want, waitTimeout)
	}
}

// assertNoMoreControl verifies no further control messages arrive.
func assertNoMoreControl(t *testing.T, sub *kvstream.Subscription) {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected extra control message %q", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

// textScript is one turn of streamed text ending the run normally.
func textScript(text string) []llm.Chunk {
	return []llm.Chunk{
		llm.TextChunk{Content: text},
		llm.FinishChunk{Reason: "stop"},
		llm.UsageChunk{InputTokens: 100, OutputTokens: 10, TotalTokens: 110},
	}
}

// toolScript is one turn requesting a single tool call.
func toolScript(callID, name, args string) []llm.Chunk {
	return []llm.Chunk{
		llm.ToolCallChunk{Index: 0, CallID: callID, Name: name, ArgumentsDelta: args},
		llm.FinishChunk{Reason: "tool_calls"},
		llm.UsageChunk{InputTokens: 120, OutputTokens: 15, TotalTokens: 135},
	}
}

// lengthScript is one truncated turn that asks for an auto-continue.
func lengthScript(text string) []llm.Chunk {
	return []llm.Chunk{
		llm.TextChunk{Content: text},
		llm.FinishChunk{Reason: "length"},
		llm.UsageChunk{InputTokens: 80, OutputTokens: 40, TotalTokens: 120},
	}
}

// gatedClient blocks each Generate call until released, then delegates to
// the scripted client. Started signals when the first call arrives.
type gatedClient struct {
	inner   llm.Client
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func newGatedClient(inner llm.Client) *gatedClient {
	return &gatedClient{
		inner:   inner,
		release: make(chan struct{}),
		started: make(chan struct{}),
	}
}

func (c *gatedClient) Generate(ctx context.Context, in llm.GenerateInput) (<-chan llm.Chunk, error) {
	c.once.Do(func() { close(c.started) })
	select {
	case <-c.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.inner.Generate(ctx, in)
}

func (c *gatedClient) Close() error { return nil }

// Release unblocks every pending and future Generate call.
func (c *gatedClient) Release() { close(c.release) }

// hangingClient blocks generation until the context dies, for stop tests.
type hangingClient struct {
	started chan struct{}
	once    sync.Once
}

func newHangingClient() *hangingClient {
	return &hangingClient{started: make(chan struct{})}
}

func (c *hangingClient) Generate(ctx context.Context, _ llm.GenerateInput) (<-chan llm.Chunk, error) {
	c.once.Do(func() { close(c.started) })
	ch := make(chan llm.Chunk)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (c *hangingClient) Close() error { return nil }
