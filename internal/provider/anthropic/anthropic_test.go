package anthropic

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymux/relaymux/internal/registry"
	gwerrors "github.com/relaymux/relaymux/pkg/errors"
	"github.com/relaymux/relaymux/pkg/types"
)

func textMessage(role, text string) types.ChatMessage {
	msg := types.ChatMessage{Role: role}
	msg.SetTextContent(text)
	return msg
}

func testDeployment() *registry.Deployment {
	return &registry.Deployment{
		ID:       "d1",
		Provider: ProviderName,
		Model:    "claude-3-5-sonnet-20241022",
		APIKey:   "sk-ant-test",
	}
}

func TestTranslateRequest(t *testing.T) {
	req := &types.ChatRequest{
		Model: "claude",
		Messages: []types.ChatMessage{
			textMessage("system", "Be brief."),
			textMessage("developer", "No lists."),
			textMessage("user", "hi"),
			{
				Role: "assistant",
				ToolCalls: []types.ToolCall{{
					ID:       "toolu_1",
					Type:     "function",
					Function: types.ToolCallFunction{Name: "get_weather", Arguments: `{"city":"SF"}`},
				}},
			},
			{Role: "tool", ToolCallID: "toolu_1", Content: json.RawMessage(`"sunny"`)},
		},
		Stop: []string{"END"},
	}

	out, err := translateRequest(testDeployment(), req, false)
	require.NoError(t, err)

	assert.Equal(t, "claude-3-5-sonnet-20241022", out.Model)
	assert.Equal(t, defaultMaxTokens, out.MaxTokens)
	assert.Equal(t, "Be brief.\n\nNo lists.", out.System)
	assert.Equal(t, []string{"END"}, out.StopSequences)

	require.Len(t, out.Messages, 3)
	assert.Equal(t, "user", out.Messages[0].Role)
	assert.Equal(t, "hi", out.Messages[0].Content[0].Text)

	assert.Equal(t, "assistant", out.Messages[1].Role)
	require.Len(t, out.Messages[1].Content, 1)
	assert.Equal(t, "tool_use", out.Messages[1].Content[0].Type)
	assert.Equal(t, "toolu_1", out.Messages[1].Content[0].ID)
	assert.Equal(t, json.RawMessage(`{"city":"SF"}`), out.Messages[1].Content[0].Input)

	// Tool results ride as user messages.
	assert.Equal(t, "user", out.Messages[2].Role)
	assert.Equal(t, "tool_result", out.Messages[2].Content[0].Type)
	assert.Equal(t, "toolu_1", out.Messages[2].Content[0].ToolUseID)
	assert.Equal(t, "sunny", out.Messages[2].Content[0].Content)
}

func TestTranslateRequestToolChoice(t *testing.T) {
	d := testDeployment()
	base := &types.ChatRequest{Messages: []types.ChatMessage{textMessage("user", "hi")}}

	tests := []struct {
		name   string
		choice string
		want   *anthropicToolUse
	}{
		{"auto", `"auto"`, &anthropicToolUse{Type: "auto"}},
		{"required maps to any", `"required"`, &anthropicToolUse{Type: "any"}},
		{"named function", `{"type":"function","function":{"name":"get_weather"}}`, &anthropicToolUse{Type: "tool", Name: "get_weather"}},
		{"none ignored", `"none"`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := *base
			req.ToolChoice = json.RawMessage(tt.choice)
			out, err := translateRequest(d, &req, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.ToolChoice)
		})
	}
}

func TestTranslateRequestTools(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`)
	req := &types.ChatRequest{
		MaxTokens: 256,
		Messages:  []types.ChatMessage{textMessage("user", "hi")},
		Tools: []types.Tool{{
			Type: "function",
			Function: types.ToolFunction{
				Name:        "get_weather",
				Description: "Current weather",
				Parameters:  schema,
			},
		}},
	}

	out, err := translateRequest(testDeployment(), req, true)
	require.NoError(t, err)
	assert.True(t, out.Stream)
	assert.Equal(t, 256, out.MaxTokens)
	require.Len(t, out.Tools, 1)
	assert.Equal(t, "get_weather", out.Tools[0].Name)
	assert.Equal(t, schema, out.Tools[0].InputSchema)
}

func TestNormalizeResponse(t *testing.T) {
	raw := &anthropicResponse{
		ID:    "msg_1",
		Model: "claude-3-5-sonnet-20241022",
		Role:  "assistant",
		Content: []anthropicBlock{
			{Type: "text", Text: "Let me check. "},
			{Type: "tool_use", ID: "toolu_1", Name: "get_weather", Input: json.RawMessage(`{"city":"SF"}`)},
			{Type: "text", Text: "Done."},
		},
		StopReason: "tool_use",
		Usage:      anthropicUsage{InputTokens: 10, OutputTokens: 20, CacheReadInputTokens: 4},
	}

	resp := normalizeResponse(raw)
	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, "chat.completion", resp.Object)

	require.Len(t, resp.Choices, 1)
	choice := resp.Choices[0]
	assert.Equal(t, "Let me check. Done.", choice.Message.TextContent())
	assert.Equal(t, "tool_calls", choice.FinishReason)
	require.Len(t, choice.Message.ToolCalls, 1)
	assert.Equal(t, "get_weather", choice.Message.ToolCalls[0].Function.Name)
	assert.Equal(t, `{"city":"SF"}`, choice.Message.ToolCalls[0].Function.Arguments)

	assert.Equal(t, 10, resp.Usage.PromptTokens)
	assert.Equal(t, 20, resp.Usage.CompletionTokens)
	assert.Equal(t, 30, resp.Usage.TotalTokens)
	require.NotNil(t, resp.Usage.PromptTokensDetails)
	assert.Equal(t, 4, resp.Usage.PromptTokensDetails.CachedTokens)
}

func TestMapStopReason(t *testing.T) {
	assert.Equal(t, "stop", mapStopReason("end_turn"))
	assert.Equal(t, "stop", mapStopReason("stop_sequence"))
	assert.Equal(t, "length", mapStopReason("max_tokens"))
	assert.Equal(t, "tool_calls", mapStopReason("tool_use"))
	assert.Equal(t, "refusal", mapStopReason("refusal"))
}

func TestStreamStateParseEvent(t *testing.T) {
	s := &streamState{}

	chunk, err := s.parseEvent([]byte(`{"type":"message_start","message":{"id":"msg_1","model":"claude-3-5-sonnet-20241022","usage":{"input_tokens":12}}}`))
	require.NoError(t, err)
	require.NotNil(t, chunk)
	assert.Equal(t, "msg_1", chunk.ID)
	assert.Equal(t, "assistant", chunk.Choices[0].Delta.Role)

	chunk, err = s.parseEvent([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Nil(t, chunk)

	chunk, err = s.parseEvent([]byte(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`))
	require.NoError(t, err)
	assert.Nil(t, chunk)

	chunk, err = s.parseEvent([]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`))
	require.NoError(t, err)
	require.NotNil(t, chunk)
	assert.Equal(t, "Hello", chunk.Choices[0].Delta.Content)
	assert.Equal(t, "msg_1", chunk.ID)

	chunk, err = s.parseEvent([]byte(`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather"}}`))
	require.NoError(t, err)
	require.NotNil(t, chunk)
	require.Len(t, chunk.Choices[0].Delta.ToolCalls, 1)
	assert.Equal(t, "toolu_1", chunk.Choices[0].Delta.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", chunk.Choices[0].Delta.ToolCalls[0].Function.Name)

	chunk, err = s.parseEvent([]byte(`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`))
	require.NoError(t, err)
	require.NotNil(t, chunk)
	assert.Equal(t, `{"city":`, chunk.Choices[0].Delta.ToolCalls[0].Function.Arguments)

	chunk, err = s.parseEvent([]byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":9}}`))
	require.NoError(t, err)
	require.NotNil(t, chunk)
	assert.Equal(t, "stop", chunk.Choices[0].FinishReason)
	require.NotNil(t, chunk.Usage)
	assert.Equal(t, 12, chunk.Usage.PromptTokens)
	assert.Equal(t, 9, chunk.Usage.CompletionTokens)
	assert.Equal(t, 21, chunk.Usage.TotalTokens)

	chunk, err = s.parseEvent([]byte(`{"type":"message_stop"}`))
	require.NoError(t, err)
	assert.Nil(t, chunk)
}

func TestStreamStateErrorEvent(t *testing.T) {
	s := &streamState{}
	_, err := s.parseEvent([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`))
	require.Error(t, err)

	var gwErr *gwerrors.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, gwerrors.KindUpstreamUnavailable, gwErr.Kind)
	assert.Equal(t, "overloaded", gwErr.Message)
}

func TestComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))

		var payload anthropicRequest
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, "claude-3-5-sonnet-20241022", payload.Model)

		_ = json.NewEncoder(w).Encode(anthropicResponse{
			ID:         "msg_1",
			Model:      payload.Model,
			Role:       "assistant",
			Content:    []anthropicBlock{{Type: "text", Text: "hello"}},
			StopReason: "end_turn",
			Usage:      anthropicUsage{InputTokens: 3, OutputTokens: 1},
		})
	}))
	defer server.Close()

	d := testDeployment()
	d.APIBase = server.URL

	a := New(server.Client())
	resp, err := a.Complete(context.Background(), d, &types.ChatRequest{
		Messages: []types.ChatMessage{textMessage("user", "hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Choices[0].Message.TextContent())
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind gwerrors.Kind
	}{
		{
			"prompt too long",
			400,
			`{"error":{"type":"invalid_request_error","message":"prompt is too long: 250000 tokens"}}`,
			gwerrors.KindContextWindow,
		},
		{
			"context exceeded phrasing",
			400,
			`{"error":{"type":"invalid_request_error","message":"input context window exceeded"}}`,
			gwerrors.KindContextWindow,
		},
		{
			"other invalid request",
			400,
			`{"error":{"type":"invalid_request_error","message":"max_tokens required"}}`,
			gwerrors.KindInvalidRequest,
		},
		{
			"overloaded",
			529,
			`{"error":{"type":"overloaded_error","message":"overloaded"}}`,
			gwerrors.KindUpstreamUnavailable,
		},
		{
			"rate limited",
			429,
			`{"error":{"type":"rate_limit_error","message":"rate limited"}}`,
			gwerrors.KindProviderRateLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			d := testDeployment()
			d.APIBase = server.URL

			a := New(server.Client())
			_, err := a.Complete(context.Background(), d, &types.ChatRequest{
				Messages: []types.ChatMessage{textMessage("user", "hi")},
			})
			require.Error(t, err)

			var gwErr *gwerrors.GatewayError
			require.ErrorAs(t, err, &gwErr)
			assert.Equal(t, tt.wantKind, gwErr.Kind)
		})
	}
}

func TestEmbedUnsupported(t *testing.T) {
	a := New(nil)
	_, err := a.Embed(context.Background(), testDeployment(), &types.EmbeddingRequest{})
	require.Error(t, err)

	var gwErr *gwerrors.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, gwerrors.KindInvalidRequest, gwErr.Kind)
}
