package llm

import (
	"context"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/agent"
	"github.com/droverhq/drover/pkg/config"
)

func resolverConfig() *config.LLMConfig {
	return &config.LLMConfig{
		Providers: map[string]config.LLMProviderConfig{
			"openai": {
				BaseURL:   "https://api.openai.com/v1",
				APIKeyEnv: "OPENAI_API_KEY",
			},
			"groq": {
				BaseURL:   "https://api.groq.com/openai/v1",
				APIKeyEnv: "GROQ_API_KEY",
				Models:    []string{"llama-3.3-70b"},
			},
		},
		ModelAliases: map[string]string{
			"fast": "groq/llama-3.3-70b",
		},
		DefaultModel: "gpt-4o",
	}
}

func TestResolve(t *testing.T) {
	cfg := resolverConfig()

	tests := []struct {
		name         string
		model        string
		wantProvider string
		wantModel    string
		wantErr      bool
	}{
		{"empty takes default", "", "openai", "gpt-4o", false},
		{"alias expands", "fast", "groq", "llama-3.3-70b", false},
		{"explicit provider prefix", "groq/llama-3.3-70b", "groq", "llama-3.3-70b", false},
		{"catalog match", "llama-3.3-70b", "groq", "llama-3.3-70b", false},
		{"openai fallback for unlisted model", "gpt-4.1-mini", "openai", "gpt-4.1-mini", false},
		{"unknown provider prefix", "nope/model-x", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := Resolve(cfg, tt.model)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantProvider, target.Provider)
			assert.Equal(t, tt.wantModel, target.Model)
			assert.NotEmpty(t, target.BaseURL)
		})
	}
}

func TestResolve_NoFallbackProvider(t *testing.T) {
	cfg := &config.LLMConfig{
		Providers: map[string]config.LLMProviderConfig{
			"groq": {BaseURL: "https://api.groq.com/openai/v1", APIKeyEnv: "GROQ_API_KEY"},
		},
		DefaultModel: "gpt-4o",
	}
	_, err := Resolve(cfg, "gpt-4o")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matches no configured provider")
}

func TestFactory_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	f := NewFactory(resolverConfig())
	_, _, err := f.ClientFor("gpt-4o")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestFactory_CachesPerProvider(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key")
	f := NewFactory(resolverConfig())

	first, _, err := f.ClientFor("gpt-4o")
	require.NoError(t, err)
	second, target, err := f.ClientFor("gpt-4.1-mini")
	require.NoError(t, err)

	assert.Same(t, first, second, "one client per provider")
	assert.Equal(t, "gpt-4.1-mini", target.Model)
	require.NoError(t, f.Close())
}

func TestConvertMessages(t *testing.T) {
	msgs := []agent.ConversationMessage{
		{Role: agent.RoleSystem, Content: "You are a helpful assistant."},
		{Role: agent.RoleUser, Content: "What is 2+2?"},
		{
			Role:    agent.RoleAssistant,
			Content: "",
			ToolCalls: []agent.ToolCall{
				{ID: "call_1", Name: "calc", Arguments: `{"expr":"2+2"}`},
			},
		},
		{Role: agent.RoleTool, Content: `{"success":true,"output":4}`, ToolCallID: "call_1", ToolName: "calc"},
	}

	got := convertMessages(msgs)
	require.Len(t, got, 4)

	assert.Equal(t, openai.ChatMessageRoleSystem, got[0].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, got[1].Role)

	assert.Equal(t, openai.ChatMessageRoleAssistant, got[2].Role)
	require.Len(t, got[2].ToolCalls, 1)
	assert.Equal(t, "call_1", got[2].ToolCalls[0].ID)
	assert.Equal(t, "calc", got[2].ToolCalls[0].Function.Name)
	assert.Equal(t, `{"expr":"2+2"}`, got[2].ToolCalls[0].Function.Arguments)

	assert.Equal(t, openai.ChatMessageRoleTool, got[3].Role)
	assert.Equal(t, "call_1", got[3].ToolCallID)
}

func TestConvertTools(t *testing.T) {
	defs := []agent.ToolDefinition{
		{Name: "calc", Description: "Evaluate arithmetic", ParametersSchema: `{"type":"object","properties":{"expr":{"type":"string"}},"required":["expr"]}`},
		{Name: "broken", Description: "Bad schema", ParametersSchema: `{"type":`},
	}

	got := convertTools(defs)
	require.Len(t, got, 2)

	assert.Equal(t, "calc", got[0].Function.Name)
	params, ok := got[0].Function.Parameters.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, params, "properties")

	// Invalid schema degrades to an empty object schema instead of
	// breaking the whole toolset.
	params, ok = got[1].Function.Parameters.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "object", params["type"])
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(&openai.APIError{HTTPStatusCode: 429}))
	assert.True(t, isRetryable(&openai.APIError{HTTPStatusCode: 503}))
	assert.False(t, isRetryable(&openai.APIError{HTTPStatusCode: 401}))
	assert.False(t, isRetryable(&openai.APIError{HTTPStatusCode: 400}))
	assert.False(t, isRetryable(assert.AnError))
}

func TestScriptedClient(t *testing.T) {
	script := []Chunk{
		TextChunk{Content: "4"},
		FinishChunk{Reason: "stop"},
	}
	c := NewScriptedClient(script)

	ch, err := c.Generate(context.Background(), GenerateInput{Model: "gpt-4o"})
	require.NoError(t, err)

	var got []Chunk
	for chunk := range ch {
		got = append(got, chunk)
	}
	require.Len(t, got, 2)
	assert.Equal(t, TextChunk{Content: "4"}, got[0])
	assert.Equal(t, FinishChunk{Reason: "stop"}, got[1])

	calls := c.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "gpt-4o", calls[0].Model)

	_, err = c.Generate(context.Background(), GenerateInput{})
	require.Error(t, err, "script exhausted")
}

func TestTokenCounter_EstimatorFallback(t *testing.T) {
	tc := &TokenCounter{enc: nil, model: "offline-model"}

	assert.Equal(t, 2, tc.Count("12345678"))
	assert.Equal(t, 0, tc.Count(""))

	msgs := []agent.ConversationMessage{
		{Role: "user", Content: "abcdefgh"},
		{
			Role: "assistant",
			ToolCalls: []agent.ToolCall{
				{Name: "calc", Arguments: `{"expr":"2+2"}`},
			},
		},
	}
	// 3+1+2 for the user message, 3+2+0+1+3 for the assistant message,
	// plus the reply prime.
	assert.Equal(t, 18, tc.CountMessages(msgs))
}

func TestTokenCounter_NeverNilPanics(t *testing.T) {
	tc := NewTokenCounter("completely-unknown-model")
	require.NotNil(t, tc)
	assert.GreaterOrEqual(t, tc.Count("hello world"), 1)
	assert.Equal(t, "completely-unknown-model", tc.Model())
}
