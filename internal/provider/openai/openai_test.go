package openai

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

func chatRequest(text string) *types.ChatRequest {
	msg := types.ChatMessage{Role: "user"}
	msg.SetTextContent(text)
	return &types.ChatRequest{
		Model:    "gpt-4o",
		Messages: []types.ChatMessage{msg},
		Metadata: &types.RequestMetadata{Tags: []string{"internal"}},
	}
}

func deploymentFor(server *httptest.Server) *registry.Deployment {
	return &registry.Deployment{
		ID:       "d1",
		Provider: ProviderName,
		Model:    "gpt-4o-2024-08-06",
		APIKey:   "sk-test",
		APIBase:  server.URL,
		Headers:  map[string]string{"X-Custom": "yes"},
	}
}

func TestComplete(t *testing.T) {
	var captured map[string]json.RawMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "yes", r.Header.Get("X-Custom"))

		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))

		msg := types.ChatMessage{Role: "assistant"}
		msg.SetTextContent("hello back")
		_ = json.NewEncoder(w).Encode(types.ChatResponse{
			ID:      "chatcmpl-1",
			Object:  "chat.completion",
			Model:   "gpt-4o-2024-08-06",
			Choices: []types.Choice{{Message: msg, FinishReason: "stop"}},
			Usage:   &types.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
		})
	}))
	defer server.Close()

	a := New(server.Client())
	resp, err := a.Complete(context.Background(), deploymentFor(server), chatRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello back", resp.Choices[0].Message.TextContent())
	assert.Equal(t, 7, resp.Usage.TotalTokens)

	// The deployment's model replaces the public name and gateway
	// metadata never reaches the provider.
	assert.Equal(t, json.RawMessage(`"gpt-4o-2024-08-06"`), captured["model"])
	assert.NotContains(t, captured, "metadata")
	assert.NotContains(t, captured, "stream_options")
}

func TestCompleteErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantKind  gwerrors.Kind
		retryable bool
	}{
		{
			"context length",
			400,
			`{"error":{"message":"maximum context length exceeded","type":"invalid_request_error","code":"context_length_exceeded"}}`,
			gwerrors.KindContextWindow,
			false,
		},
		{
			"content filter",
			400,
			`{"error":{"message":"flagged","code":"content_filter"}}`,
			gwerrors.KindContentFilter,
			false,
		},
		{
			"insufficient quota is terminal",
			429,
			`{"error":{"message":"quota exhausted","type":"insufficient_quota"}}`,
			gwerrors.KindProviderRateLimit,
			false,
		},
		{
			"plain 429 retries",
			429,
			`{"error":{"message":"slow down"}}`,
			gwerrors.KindProviderRateLimit,
			true,
		},
		{
			"unparseable body",
			503,
			`<html>bad gateway</html>`,
			gwerrors.KindUpstreamUnavailable,
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			a := New(server.Client())
			_, err := a.Complete(context.Background(), deploymentFor(server), chatRequest("hi"))
			require.Error(t, err)

			var gwErr *gwerrors.GatewayError
			require.ErrorAs(t, err, &gwErr)
			assert.Equal(t, tt.wantKind, gwErr.Kind)
			assert.Equal(t, tt.retryable, gwErr.Retryable)
		})
	}
}

func TestCompleteStream(t *testing.T) {
	var captured map[string]json.RawMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
				"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n" +
				"data: [DONE]\n\n"))
	}))
	defer server.Close()

	a := New(server.Client())
	stream, err := a.CompleteStream(context.Background(), deploymentFor(server), chatRequest("hi"))
	require.NoError(t, err)
	defer stream.Close()

	// Streaming is forced on and usage is requested.
	assert.Equal(t, json.RawMessage("true"), captured["stream"])
	assert.Contains(t, captured, "stream_options")

	chunk, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "assistant", chunk.Choices[0].Delta.Role)

	chunk, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "hi", chunk.Choices[0].Delta.Content)

	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestCompleteStreamErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer server.Close()

	a := New(server.Client())
	_, err := a.CompleteStream(context.Background(), deploymentFor(server), chatRequest("hi"))
	require.Error(t, err)

	var gwErr *gwerrors.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, gwerrors.KindProviderRateLimit, gwErr.Kind)
}

func TestEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)

		var payload map[string]json.RawMessage
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, json.RawMessage(`"gpt-4o-2024-08-06"`), payload["model"])

		_ = json.NewEncoder(w).Encode(types.EmbeddingResponse{
			Object: "list",
			Model:  "text-embedding-3-small",
			Data:   []types.EmbeddingData{{Object: "embedding", Embedding: []float64{0.1, 0.2}}},
			Usage:  types.Usage{PromptTokens: 2, TotalTokens: 2},
		})
	}))
	defer server.Close()

	a := New(server.Client())
	resp, err := a.Embed(context.Background(), deploymentFor(server), &types.EmbeddingRequest{
		Model:    "text-embedding-3-small",
		Input:    &types.EmbeddingInput{Texts: []string{"hello"}},
		Metadata: &types.RequestMetadata{Tags: []string{"x"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, []float64{0.1, 0.2}, resp.Data[0].Embedding)
}
