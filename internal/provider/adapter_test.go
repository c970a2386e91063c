package provider

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/pkg/types"
)

func parseJSONChunk(data []byte) (*types.StreamChunk, error) {
	var chunk types.StreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}
	return &chunk, nil
}

func TestSSEStream(t *testing.T) {
	body := strings.Join([]string{
		`: keep-alive comment`,
		``,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"one"}}]}`,
		``,
		`event: something`,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"two"}}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	s := NewSSEStream(io.NopCloser(strings.NewReader(body)), parseJSONChunk)
	defer s.Close()

	chunk, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "one", chunk.Choices[0].Delta.Content)

	chunk, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, "two", chunk.Choices[0].Delta.Content)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)

	// Still EOF after the sentinel.
	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSSEStreamSkipsNilChunks(t *testing.T) {
	body := "data: {\"skip\":true}\n\ndata: {\"keep\":true}\n\n"
	s := NewSSEStream(io.NopCloser(strings.NewReader(body)), func(data []byte) (*types.StreamChunk, error) {
		if strings.Contains(string(data), "skip") {
			return nil, nil
		}
		return &types.StreamChunk{ID: "kept"}, nil
	})
	defer s.Close()

	chunk, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "kept", chunk.ID)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSSEStreamEndsWithoutSentinel(t *testing.T) {
	body := "data: {\"id\":\"c1\"}\n\n"
	s := NewSSEStream(io.NopCloser(strings.NewReader(body)), parseJSONChunk)
	defer s.Close()

	_, err := s.Next()
	require.NoError(t, err)
	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

type nopAdapter struct{ name string }

func (a *nopAdapter) Name() string { return a.name }
func (a *nopAdapter) Complete(ctx context.Context, d *registry.Deployment, req *types.ChatRequest) (*types.ChatResponse, error) {
	return nil, nil
}
func (a *nopAdapter) CompleteStream(ctx context.Context, d *registry.Deployment, req *types.ChatRequest) (Stream, error) {
	return nil, nil
}
func (a *nopAdapter) Embed(ctx context.Context, d *registry.Deployment, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	return nil, nil
}

func TestRegistryResolvesAdapters(t *testing.T) {
	Register("testprov", func(client *http.Client) Adapter {
		return &nopAdapter{name: "testprov"}
	})

	r := NewRegistry(nil)

	a, err := r.Adapter("testprov")
	require.NoError(t, err)
	assert.Equal(t, "testprov", a.Name())

	// Instances are cached.
	again, err := r.Adapter("testprov")
	require.NoError(t, err)
	assert.Same(t, a, again)

	_, err = r.Adapter("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}
