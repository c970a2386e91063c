package cache

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/relaymux/relaymux/internal/metrics"
	"github.com/relaymux/relaymux/internal/observability"
	"github.com/relaymux/relaymux/internal/statestore"
	"github.com/relaymux/relaymux/pkg/types"
)

const (
	keyPrefix      = "cache:chat:"
	embedKeyPrefix = "cache:embed:"
)

// maxCacheableBytes bounds stored entries.
const maxCacheableBytes = 10 << 20

// Entry is the stored cache record.
type Entry struct {
	Timestamp int64               `json:"timestamp"`
	Model     string              `json:"model"`
	Response  *types.ChatResponse `json:"response"`
}

// EmbedEntry is the stored record for embedding responses.
type EmbedEntry struct {
	Timestamp int64                    `json:"timestamp"`
	Model     string                   `json:"model"`
	Response  *types.EmbeddingResponse `json:"response"`
}

// Engine serves and stores chat responses. Backend failures degrade to
// a miss: the request proceeds upstream and the failure is logged, never
// surfaced to the caller.
type Engine struct {
	store      statestore.Store
	defaultTTL time.Duration
	enabled    bool
	logger     *observability.Logger
}

// NewEngine creates a cache engine on the given store.
func NewEngine(store statestore.Store, defaultTTL time.Duration, enabled bool, logger *observability.Logger) *Engine {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Engine{
		store:      store,
		defaultTTL: defaultTTL,
		enabled:    enabled,
		logger:     logger,
	}
}

// Enabled reports whether the engine participates in requests.
func (e *Engine) Enabled() bool {
	return e.enabled && e.store != nil
}

// Lookup returns the cached response for a request, or nil on miss.
func (e *Engine) Lookup(ctx context.Context, req *types.ChatRequest, ctrl Control) *types.ChatResponse {
	if !e.Enabled() || ctrl.Bypass || ctrl.NoCache {
		return nil
	}

	group := req.Model
	key := keyPrefix + Fingerprint(req)
	data, err := e.store.Get(ctx, key)
	if err != nil {
		e.logger.WithRequestID(ctx).Warn("cache lookup degraded to miss", "error", err)
		metrics.CacheMisses.WithLabelValues(group).Inc()
		return nil
	}
	if data == nil {
		metrics.CacheMisses.WithLabelValues(group).Inc()
		return nil
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Response == nil {
		// Corrupt entry: treat as miss and drop it.
		_ = e.store.Delete(ctx, key)
		metrics.CacheMisses.WithLabelValues(group).Inc()
		return nil
	}

	metrics.CacheHits.WithLabelValues(group).Inc()
	return entry.Response
}

// Store writes a fresh response. Only successful, non-empty responses
// are cached.
func (e *Engine) Store(ctx context.Context, req *types.ChatRequest, resp *types.ChatResponse, ctrl Control) {
	if !e.Enabled() || ctrl.Bypass || ctrl.NoStore || resp == nil || len(resp.Choices) == 0 {
		return
	}

	entry := Entry{
		Timestamp: time.Now().Unix(),
		Model:     req.Model,
		Response:  resp,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if len(data) > maxCacheableBytes {
		return
	}

	ttl := e.defaultTTL
	if ctrl.TTL > 0 {
		ttl = ctrl.TTL
	}

	key := keyPrefix + Fingerprint(req)
	if err := e.store.SetEx(ctx, key, data, ttl); err != nil {
		e.logger.WithRequestID(ctx).Warn("cache store failed", "error", err)
	}
}

// LookupEmbedding returns the cached response for an embedding request,
// or nil on miss.
func (e *Engine) LookupEmbedding(ctx context.Context, req *types.EmbeddingRequest, ctrl Control) *types.EmbeddingResponse {
	if !e.Enabled() || ctrl.Bypass || ctrl.NoCache {
		return nil
	}

	group := req.Model
	key := embedKeyPrefix + EmbeddingFingerprint(req)
	data, err := e.store.Get(ctx, key)
	if err != nil {
		e.logger.WithRequestID(ctx).Warn("cache lookup degraded to miss", "error", err)
		metrics.CacheMisses.WithLabelValues(group).Inc()
		return nil
	}
	if data == nil {
		metrics.CacheMisses.WithLabelValues(group).Inc()
		return nil
	}

	var entry EmbedEntry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Response == nil {
		_ = e.store.Delete(ctx, key)
		metrics.CacheMisses.WithLabelValues(group).Inc()
		return nil
	}

	metrics.CacheHits.WithLabelValues(group).Inc()
	return entry.Response
}

// StoreEmbedding writes a fresh embedding response.
func (e *Engine) StoreEmbedding(ctx context.Context, req *types.EmbeddingRequest, resp *types.EmbeddingResponse, ctrl Control) {
	if !e.Enabled() || ctrl.Bypass || ctrl.NoStore || resp == nil || len(resp.Data) == 0 {
		return
	}

	entry := EmbedEntry{
		Timestamp: time.Now().Unix(),
		Model:     req.Model,
		Response:  resp,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if len(data) > maxCacheableBytes {
		return
	}

	ttl := e.defaultTTL
	if ctrl.TTL > 0 {
		ttl = ctrl.TTL
	}

	key := embedKeyPrefix + EmbeddingFingerprint(req)
	if err := e.store.SetEx(ctx, key, data, ttl); err != nil {
		e.logger.WithRequestID(ctx).Warn("cache store failed", "error", err)
	}
}

// Invalidate removes the cached entry for a request.
func (e *Engine) Invalidate(ctx context.Context, req *types.ChatRequest) error {
	if !e.Enabled() {
		return nil
	}
	return e.store.Delete(ctx, keyPrefix+Fingerprint(req))
}
