package cache

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymux/relaymux/internal/observability"
	"github.com/relaymux/relaymux/internal/statestore"
	"github.com/relaymux/relaymux/pkg/types"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LoggerConfig{Output: io.Discard}, nil)
}

func newTestEngine(t *testing.T) (*Engine, statestore.Store) {
	t.Helper()
	store := statestore.NewLocalStore()
	t.Cleanup(func() { store.Close() })
	return NewEngine(store, time.Minute, true, testLogger()), store
}

func TestEngineRoundTrip(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	req := chatReq("gpt-4o", "what is the capital of France?")
	resp := cachedResponse("Paris.")

	assert.Nil(t, engine.Lookup(ctx, req, Control{}))

	engine.Store(ctx, req, resp, Control{})

	got := engine.Lookup(ctx, req, Control{})
	require.NotNil(t, got)
	assert.Equal(t, resp.ID, got.ID)
	assert.Equal(t, "Paris.", got.Choices[0].Message.TextContent())

	other := chatReq("gpt-4o", "what is the capital of Norway?")
	assert.Nil(t, engine.Lookup(ctx, other, Control{}))
}

func TestEngineDisabled(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewLocalStore()
	defer store.Close()
	engine := NewEngine(store, time.Minute, false, testLogger())

	req := chatReq("gpt-4o", "hello")
	engine.Store(ctx, req, cachedResponse("hi"), Control{})
	assert.Nil(t, engine.Lookup(ctx, req, Control{}))
	assert.False(t, engine.Enabled())
}

func TestEngineControlDirectives(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	req := chatReq("gpt-4o", "hello")
	resp := cachedResponse("hi")

	t.Run("bypass", func(t *testing.T) {
		engine.Store(ctx, req, resp, Control{Bypass: true})
		assert.Nil(t, engine.Lookup(ctx, req, Control{}))
	})

	t.Run("no-store", func(t *testing.T) {
		engine.Store(ctx, req, resp, Control{NoStore: true})
		assert.Nil(t, engine.Lookup(ctx, req, Control{}))
	})

	t.Run("no-cache skips lookup but stores", func(t *testing.T) {
		engine.Store(ctx, req, resp, Control{NoCache: true})
		assert.Nil(t, engine.Lookup(ctx, req, Control{NoCache: true}))
		assert.NotNil(t, engine.Lookup(ctx, req, Control{}))
	})
}

func TestEngineSkipsEmptyResponses(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	req := chatReq("gpt-4o", "hello")
	engine.Store(ctx, req, nil, Control{})
	assert.Nil(t, engine.Lookup(ctx, req, Control{}))

	engine.Store(ctx, req, &types.ChatResponse{ID: "x"}, Control{})
	assert.Nil(t, engine.Lookup(ctx, req, Control{}))
}

func TestEngineCorruptEntryDropped(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)

	req := chatReq("gpt-4o", "hello")
	key := "cache:chat:" + Fingerprint(req)
	require.NoError(t, store.SetEx(ctx, key, []byte("{not json"), time.Minute))

	assert.Nil(t, engine.Lookup(ctx, req, Control{}))

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestEngineEmbeddingRoundTrip(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	req := embedReq("text-embedding-3-small", "hello world")
	resp := &types.EmbeddingResponse{
		Object: "list",
		Model:  "text-embedding-3-small",
		Data:   []types.EmbeddingData{{Object: "embedding", Embedding: []float64{0.1, 0.2}}},
		Usage:  types.Usage{PromptTokens: 2, TotalTokens: 2},
	}

	assert.Nil(t, engine.LookupEmbedding(ctx, req, Control{}))

	engine.StoreEmbedding(ctx, req, resp, Control{})

	got := engine.LookupEmbedding(ctx, req, Control{})
	require.NotNil(t, got)
	assert.Equal(t, resp.Data[0].Embedding, got.Data[0].Embedding)

	other := embedReq("text-embedding-3-small", "different input")
	assert.Nil(t, engine.LookupEmbedding(ctx, other, Control{}))
}

func TestEngineEmbeddingSkipsEmptyAndBypass(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	req := embedReq("text-embedding-3-small", "hello")
	resp := &types.EmbeddingResponse{
		Model: "text-embedding-3-small",
		Data:  []types.EmbeddingData{{Embedding: []float64{0.5}}},
	}

	engine.StoreEmbedding(ctx, req, nil, Control{})
	assert.Nil(t, engine.LookupEmbedding(ctx, req, Control{}))

	engine.StoreEmbedding(ctx, req, &types.EmbeddingResponse{Model: "m"}, Control{})
	assert.Nil(t, engine.LookupEmbedding(ctx, req, Control{}))

	engine.StoreEmbedding(ctx, req, resp, Control{Bypass: true})
	assert.Nil(t, engine.LookupEmbedding(ctx, req, Control{}))

	engine.StoreEmbedding(ctx, req, resp, Control{})
	assert.Nil(t, engine.LookupEmbedding(ctx, req, Control{Bypass: true}))
	assert.NotNil(t, engine.LookupEmbedding(ctx, req, Control{}))
}

func TestEngineEmbeddingKeyedApartFromChat(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)

	req := embedReq("text-embedding-3-small", "hello")
	resp := &types.EmbeddingResponse{
		Model: "text-embedding-3-small",
		Data:  []types.EmbeddingData{{Embedding: []float64{0.5}}},
	}
	engine.StoreEmbedding(ctx, req, resp, Control{})

	data, err := store.Get(ctx, "cache:embed:"+EmbeddingFingerprint(req))
	require.NoError(t, err)
	assert.NotNil(t, data)

	data, err = store.Get(ctx, "cache:chat:"+EmbeddingFingerprint(req))
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestEngineInvalidate(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	req := chatReq("gpt-4o", "hello")
	engine.Store(ctx, req, cachedResponse("hi"), Control{})
	require.NotNil(t, engine.Lookup(ctx, req, Control{}))

	require.NoError(t, engine.Invalidate(ctx, req))
	assert.Nil(t, engine.Lookup(ctx, req, Control{}))
}
