package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/masking"
)

func echoTool(_ context.Context, raw json.RawMessage) (any, error) {
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	err := r.Register(ToolDefinition{Name: "echo"}, echoTool)
	require.NoError(t, err)

	err = r.Register(ToolDefinition{Name: "echo"}, echoTool)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	err = r.Register(ToolDefinition{Name: ""}, echoTool)
	require.Error(t, err)

	err = r.Register(ToolDefinition{Name: "nofn"}, nil)
	require.Error(t, err)

	err = r.Register(ToolDefinition{Name: "badschema", ParametersSchema: `{"type":`}, echoTool)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid parameters schema")
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ToolDefinition{Name: "first"}, echoTool))

	snapshot := r.GetAvailableFunctions()
	require.NoError(t, r.Register(ToolDefinition{Name: "second"}, echoTool))

	assert.True(t, snapshot.Has("first"))
	assert.False(t, snapshot.Has("second"), "tools registered after the snapshot are invisible to it")
	assert.Equal(t, 1, snapshot.Len())
	assert.Equal(t, 2, r.GetAvailableFunctions().Len())
}

func TestToolset_DefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ToolDefinition{Name: "zebra"}, echoTool))
	require.NoError(t, r.Register(ToolDefinition{Name: "alpha"}, echoTool))
	require.NoError(t, r.Register(ToolDefinition{Name: "mid"}, echoTool))

	defs := r.GetAvailableFunctions().Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "mid", defs[1].Name)
	assert.Equal(t, "zebra", defs[2].Name)
}

func TestToolset_Invoke(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ToolDefinition{Name: "echo"}, echoTool))
	require.NoError(t, r.Register(ToolDefinition{
		Name:             "strict",
		ParametersSchema: `{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`,
	}, echoTool))
	require.NoError(t, r.Register(ToolDefinition{Name: "fails"}, func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("backend unavailable")
	}))
	require.NoError(t, r.Register(ToolDefinition{Name: "panics"}, func(context.Context, json.RawMessage) (any, error) {
		panic("boom")
	}))
	require.NoError(t, r.Register(ToolDefinition{Name: "outcome"}, func(context.Context, json.RawMessage) (any, error) {
		return Outcome{Success: false, Error: "soft failure", Output: map[string]any{"partial": true}}, nil
	}))
	require.NoError(t, r.Register(ToolDefinition{Name: "mapresult"}, func(context.Context, json.RawMessage) (any, error) {
		return map[string]any{"success": true, "output": "done"}, nil
	}))

	ts := r.GetAvailableFunctions()
	ctx := context.Background()

	t.Run("unknown tool", func(t *testing.T) {
		res := ts.Invoke(ctx, ToolCall{ID: "c1", Name: "missing"})
		assert.False(t, res.Success)
		assert.Equal(t, "c1", res.CallID)
		assert.Contains(t, res.Error, "unknown tool")
	})

	t.Run("invalid arguments json", func(t *testing.T) {
		res := ts.Invoke(ctx, ToolCall{ID: "c2", Name: "echo", Arguments: `{"broken`})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "invalid tool arguments")
	})

	t.Run("schema violation", func(t *testing.T) {
		res := ts.Invoke(ctx, ToolCall{ID: "c3", Name: "strict", Arguments: `{"n":"not a number"}`})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "failed validation")
	})

	t.Run("empty arguments default to object", func(t *testing.T) {
		res := ts.Invoke(ctx, ToolCall{ID: "c4", Name: "echo", Arguments: ""})
		assert.True(t, res.Success)
	})

	t.Run("plain value is wrapped as success", func(t *testing.T) {
		res := ts.Invoke(ctx, ToolCall{ID: "c5", Name: "echo", Arguments: `{"k":"v"}`})
		assert.True(t, res.Success)
		assert.Equal(t, map[string]any{"k": "v"}, res.Output)
		assert.Empty(t, res.Error)
	})

	t.Run("returned error becomes failed result", func(t *testing.T) {
		res := ts.Invoke(ctx, ToolCall{ID: "c6", Name: "fails"})
		assert.False(t, res.Success)
		assert.Equal(t, "backend unavailable", res.Error)
	})

	t.Run("panic becomes failed result", func(t *testing.T) {
		res := ts.Invoke(ctx, ToolCall{ID: "c7", Name: "panics"})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "tool panicked")
	})

	t.Run("outcome is used verbatim", func(t *testing.T) {
		res := ts.Invoke(ctx, ToolCall{ID: "c8", Name: "outcome"})
		assert.False(t, res.Success)
		assert.Equal(t, "soft failure", res.Error)
		assert.Equal(t, map[string]any{"partial": true}, res.Output)
	})

	t.Run("map with success key is used verbatim", func(t *testing.T) {
		res := ts.Invoke(ctx, ToolCall{ID: "c9", Name: "mapresult"})
		assert.True(t, res.Success)
		assert.Equal(t, "done", res.Output)
	})
}

func TestToolset_WithMasking(t *testing.T) {
	const leaked = "sk-FAKE1234567890123456789012"

	r := NewRegistry()
	require.NoError(t, r.Register(ToolDefinition{Name: "leaky"}, func(context.Context, json.RawMessage) (any, error) {
		return map[string]any{"note": "credential " + leaked, "count": 2}, nil
	}))
	require.NoError(t, r.Register(ToolDefinition{Name: "leakyerr"}, func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("auth rejected for " + leaked)
	}))

	masker := masking.New(&config.MaskingConfig{Enabled: true})
	require.NotNil(t, masker)
	ts := r.GetAvailableFunctions().WithMasking(masker)
	ctx := context.Background()

	t.Run("output is masked and stays structured", func(t *testing.T) {
		res := ts.Invoke(ctx, ToolCall{ID: "c1", Name: "leaky"})
		require.True(t, res.Success)
		out, ok := res.Output.(map[string]any)
		require.True(t, ok, "masked output should survive as a document")
		assert.Equal(t, "credential ***MASKED_API_KEY***", out["note"])
		assert.NotContains(t, res.Content(), leaked)
	})

	t.Run("error text is masked", func(t *testing.T) {
		res := ts.Invoke(ctx, ToolCall{ID: "c2", Name: "leakyerr"})
		assert.False(t, res.Success)
		assert.NotContains(t, res.Error, leaked)
		assert.Contains(t, res.Error, "***MASKED_API_KEY***")
	})

	t.Run("restrict keeps the masker", func(t *testing.T) {
		res := ts.Restrict([]string{"leaky"}).Invoke(ctx, ToolCall{ID: "c3", Name: "leaky"})
		require.True(t, res.Success)
		assert.NotContains(t, res.Content(), leaked)
	})

	t.Run("nil masker is a no-op", func(t *testing.T) {
		res := r.GetAvailableFunctions().WithMasking(nil).Invoke(ctx, ToolCall{ID: "c4", Name: "leaky"})
		require.True(t, res.Success)
		assert.Contains(t, res.Content(), leaked)
	})
}

func TestToolResult_Content(t *testing.T) {
	ok := ToolResult{CallID: "c1", Name: "echo", Success: true, Output: map[string]any{"k": "v"}}
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(ok.Content()), &decoded))
	assert.Equal(t, true, decoded["success"])
	assert.Equal(t, map[string]any{"k": "v"}, decoded["output"])

	failed := ToolResult{CallID: "c2", Name: "echo", Success: false, Error: "nope"}
	require.NoError(t, json.Unmarshal([]byte(failed.Content()), &decoded))
	assert.Equal(t, false, decoded["success"])
	assert.Equal(t, "nope", decoded["error"])
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))

	ts := r.GetAvailableFunctions()
	require.True(t, ts.Has("ask"))
	require.True(t, ts.Has("complete"))

	res := ts.Invoke(context.Background(), ToolCall{ID: "c1", Name: "ask", Arguments: `{"text":"What color?"}`})
	require.True(t, res.Success)
	out, ok := res.Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "What color?", out["text"])

	// ask requires text.
	res = ts.Invoke(context.Background(), ToolCall{ID: "c2", Name: "ask", Arguments: `{}`})
	assert.False(t, res.Success)

	res = ts.Invoke(context.Background(), ToolCall{ID: "c3", Name: "complete", Arguments: `{"summary":"all done"}`})
	require.True(t, res.Success)
}

func TestTerminatorSet(t *testing.T) {
	def := NewTerminatorSet(nil)
	assert.True(t, def.IsTerminator("ask"))
	assert.True(t, def.IsTerminator("complete"))
	assert.False(t, def.IsTerminator("echo"))

	custom := NewTerminatorSet([]string{"finish"})
	assert.True(t, custom.IsTerminator("finish"))
	assert.False(t, custom.IsTerminator("ask"))
}
