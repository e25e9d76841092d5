package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedClient replays pre-scripted chunk sequences, one script per
// Generate call in order. It records every GenerateInput so tests can
// assert on the exact context window each step sent.
type ScriptedClient struct {
	mu      sync.Mutex
	scripts [][]Chunk
	calls   []GenerateInput
}

// NewScriptedClient builds a client that replays the given scripts.
func NewScriptedClient(scripts ...[]Chunk) *ScriptedClient {
	return &ScriptedClient{scripts: scripts}
}

// Generate pops the next script and streams its chunks. Running past the
// scripted calls is a test bug, surfaced as a start-up error.
func (c *ScriptedClient) Generate(ctx context.Context, in GenerateInput) (<-chan Chunk, error) {
	c.mu.Lock()
	c.calls = append(c.calls, in)
	if len(c.scripts) == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("scripted client: no script for call %d", len(c.calls))
	}
	script := c.scripts[0]
	c.scripts = c.scripts[1:]
	c.mu.Unlock()

	ch := make(chan Chunk, len(script))
	go func() {
		defer close(ch)
		for _, chunk := range script {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Close implements Client.
func (c *ScriptedClient) Close() error { return nil }

// Calls returns the inputs of every Generate call so far.
func (c *ScriptedClient) Calls() []GenerateInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]GenerateInput, len(c.calls))
	copy(out, c.calls)
	return out
}

// ScriptedProvider satisfies Provider with a fixed client, for tests.
type ScriptedProvider struct {
	Client Client
	Target Target
}

// ClientFor returns the fixed client for any model.
func (p ScriptedProvider) ClientFor(model string) (Client, Target, error) {
	t := p.Target
	if t.Model == "" {
		t.Model = model
	}
	return p.Client, t, nil
}
