package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/droverhq/drover/pkg/agent"
)

const (
	startMaxRetries = 3
	startRetryDelay = time.Second
)

// OpenAIClient streams completions from an OpenAI-compatible endpoint.
// Safe for concurrent use; each Generate call owns its stream.
type OpenAIClient struct {
	client   *openai.Client
	provider string
	logger   *slog.Logger
}

// NewOpenAIClient builds a client for one provider endpoint. An empty
// baseURL keeps the SDK default (api.openai.com).
func NewOpenAIClient(provider, baseURL, apiKey string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{
		client:   openai.NewClientWithConfig(cfg),
		provider: provider,
		logger:   slog.With("component", "llm_client", "provider", provider),
	}
}

// Generate opens the stream. Start-up failures are retried briefly for
// rate limits and 5xx responses; an unrecoverable start-up failure is
// returned directly. Once streaming, failures arrive in-band as
// ErrorChunk values and the channel closes.
func (c *OpenAIClient) Generate(ctx context.Context, in GenerateInput) (<-chan Chunk, error) {
	req := c.buildRequest(in)

	var (
		stream  *openai.ChatCompletionStream
		lastErr error
	)
	for attempt := 0; attempt < startMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(startRetryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = c.client.CreateChatCompletionStream(ctx, req)
		if lastErr == nil {
			break
		}
		if !isRetryable(lastErr) {
			return nil, fmt.Errorf("start completion stream: %w", lastErr)
		}
		c.logger.Warn("Retrying completion start", "attempt", attempt+1, "error", lastErr)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("start completion stream after %d attempts: %w", startMaxRetries, lastErr)
	}

	ch := make(chan Chunk, 64)
	go c.pump(ctx, stream, ch, time.Now())
	return ch, nil
}

// Close is a no-op; the underlying HTTP client holds no connections open.
func (c *OpenAIClient) Close() error { return nil }

func (c *OpenAIClient) pump(ctx context.Context, stream *openai.ChatCompletionStream, ch chan<- Chunk, started time.Time) {
	defer close(ch)
	defer stream.Close()

	send := func(chunk Chunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	firstToken := false
	markFirst := func() {
		if !firstToken {
			firstToken = true
			send(FirstTokenChunk{Elapsed: time.Since(started)})
		}
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			// An orderly cancellation closes the stream without noise.
			if ctx.Err() != nil {
				return
			}
			send(ErrorChunk{
				Message:   err.Error(),
				Code:      errorCode(err),
				Retryable: isRetryable(err),
			})
			return
		}

		if resp.Usage != nil {
			usage := UsageChunk{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
				TotalTokens:  resp.Usage.TotalTokens,
			}
			if resp.Usage.PromptTokensDetails != nil {
				usage.CacheReadTokens = resp.Usage.PromptTokensDetails.CachedTokens
			}
			if !send(usage) {
				return
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			markFirst()
			if !send(TextChunk{Content: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			markFirst()
			if !send(ToolCallChunk{
				Index:          index,
				CallID:         tc.ID,
				Name:           tc.Function.Name,
				ArgumentsDelta: tc.Function.Arguments,
			}) {
				return
			}
		}
		if choice.FinishReason != "" {
			if !send(FinishChunk{Reason: string(choice.FinishReason)}) {
				return
			}
		}
	}
}

func (c *OpenAIClient) buildRequest(in GenerateInput) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:         in.Model,
		Messages:      convertMessages(in.Messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if in.Temperature > 0 {
		req.Temperature = in.Temperature
	}
	if in.MaxTokens > 0 {
		req.MaxTokens = in.MaxTokens
	}
	if len(in.Tools) > 0 {
		req.Tools = convertTools(in.Tools)
		if in.ToolChoice != "" {
			req.ToolChoice = in.ToolChoice
		}
	}
	// OpenAI-compatible endpoints cache shared prompt prefixes on their
	// own; the marker only needs the system prompt to stay byte-stable,
	// which the context builder guarantees.
	return req
}

func convertMessages(msgs []agent.ConversationMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{Content: m.Content}
		switch m.Role {
		case agent.RoleSystem:
			om.Role = openai.ChatMessageRoleSystem
		case agent.RoleAssistant:
			om.Role = openai.ChatMessageRoleAssistant
			for _, tc := range m.ToolCalls {
				om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		case agent.RoleTool:
			om.Role = openai.ChatMessageRoleTool
			om.ToolCallID = m.ToolCallID
		default:
			om.Role = openai.ChatMessageRoleUser
		}
		out = append(out, om)
	}
	return out
}

func convertTools(defs []agent.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, len(defs))
	for i, def := range defs {
		var params map[string]any
		if err := json.Unmarshal([]byte(def.ParametersSchema), &params); err != nil {
			// One bad schema must not break the whole toolset.
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

// isRetryable classifies provider errors worth another attempt: rate
// limits and server-side failures.
func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode >= 500 || reqErr.HTTPStatusCode == 429
	}
	return false
}

func errorCode(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Type != "" {
			return apiErr.Type
		}
	}
	return "provider_error"
}
