package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/relaymux/relaymux/internal/observability"
	"github.com/relaymux/relaymux/internal/pipeline"
	"github.com/relaymux/relaymux/internal/ratelimit"
	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/internal/streaming"
	gwerrors "github.com/relaymux/relaymux/pkg/errors"
	"github.com/relaymux/relaymux/pkg/types"
)

// Response headers set on inference endpoints.
const (
	headerCacheHit     = "x-cache-hit"
	headerDeploymentID = "x-deployment-id"
)

type handlers struct {
	pipeline *pipeline.Pipeline
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	logger   *observability.Logger
}

// decode reads a JSON body into dst, translating failures into invalid
// request errors.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return gwerrors.NewInvalidRequestError("",
				fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
		}
		return gwerrors.NewInvalidRequestError("", "malformed JSON body: "+err.Error())
	}
	return nil
}

func setRateLimitHeaders(w http.ResponseWriter, remaining map[string]int64) {
	for scopeKind, left := range remaining {
		if left < 0 {
			continue
		}
		w.Header().Set("x-ratelimit-remaining-"+scopeKind, strconv.FormatInt(left, 10))
	}
}

// chatCompletions serves POST /v1/chat/completions.
func (h *handlers) chatCompletions(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Model == "" {
		writeError(w, r, gwerrors.NewInvalidRequestError("", "model is required"))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, r, gwerrors.NewInvalidRequestError(req.Model, "messages must not be empty"))
		return
	}

	if req.Stream {
		h.streamChat(w, r, &req)
		return
	}

	result, err := h.pipeline.Chat(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	setRateLimitHeaders(w, result.RateLimitRemaining)
	w.Header().Set(headerCacheHit, strconv.FormatBool(result.CacheHit))
	if result.Deployment != nil {
		w.Header().Set(headerDeploymentID, result.Deployment.ID)
	}
	writeJSON(w, http.StatusOK, result.Response)
}

// streamChat serves the streaming variant. Errors before the first
// frame render as normal error envelopes; after that the stream just
// ends.
func (h *handlers) streamChat(w http.ResponseWriter, r *http.Request, req *types.ChatRequest) {
	ctx := r.Context()
	result, err := h.pipeline.ChatStream(ctx, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	setRateLimitHeaders(w, result.RateLimitRemaining)
	w.Header().Set(headerCacheHit, strconv.FormatBool(result.CacheHit))
	if result.Deployment != nil {
		w.Header().Set(headerDeploymentID, result.Deployment.ID)
	}

	sw, err := streaming.NewWriter(w)
	if err != nil {
		if result.Stream != nil {
			_ = result.Stream.Close()
		}
		result.Finish(ctx, nil, nil, nil)
		writeError(w, r, gwerrors.NewInternalError(err.Error()))
		return
	}

	if result.CacheHit {
		if err := streaming.ForwardChunks(sw, result.Chunks); err != nil {
			h.logger.WithRequestID(ctx).Debug("cached stream replay aborted", "error", err)
		}
		return
	}

	labels := streaming.Labels{Model: req.Model, ModelGroup: req.Model}
	if result.Deployment != nil {
		labels = streaming.Labels{
			Model:      result.Deployment.Model,
			ModelGroup: result.Deployment.ModelGroup,
			Provider:   result.Deployment.Provider,
		}
	}

	accumulated, usage, streamErr := streaming.ForwardLive(ctx, sw, result.Stream, labels)
	if streamErr != nil {
		h.logger.WithRequestID(ctx).Warn("stream ended with error", "error", streamErr)
	}
	result.Finish(ctx, accumulated, usage, streamErr)
}

// completions serves the legacy POST /v1/completions by translating
// onto the chat pipeline.
func (h *handlers) completions(w http.ResponseWriter, r *http.Request) {
	var req types.CompletionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Model == "" {
		writeError(w, r, gwerrors.NewInvalidRequestError("", "model is required"))
		return
	}
	if req.Prompt == nil || len(req.Prompt.Prompts) == 0 {
		writeError(w, r, gwerrors.NewInvalidRequestError(req.Model, "prompt is required"))
		return
	}

	chatReq := req.ToChat()
	if chatReq.Stream {
		h.streamChat(w, r, chatReq)
		return
	}

	result, err := h.pipeline.Chat(r.Context(), chatReq)
	if err != nil {
		writeError(w, r, err)
		return
	}

	setRateLimitHeaders(w, result.RateLimitRemaining)
	w.Header().Set(headerCacheHit, strconv.FormatBool(result.CacheHit))
	if result.Deployment != nil {
		w.Header().Set(headerDeploymentID, result.Deployment.ID)
	}
	writeJSON(w, http.StatusOK, types.FromChat(result.Response))
}

// responses serves POST /v1/responses on chat semantics.
func (h *handlers) responses(w http.ResponseWriter, r *http.Request) {
	var req types.ResponsesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Model == "" {
		writeError(w, r, gwerrors.NewInvalidRequestError("", "model is required"))
		return
	}

	chatReq := req.ToChat()
	if len(chatReq.Messages) == 0 {
		writeError(w, r, gwerrors.NewInvalidRequestError(req.Model, "input is required"))
		return
	}
	if chatReq.Stream {
		h.streamChat(w, r, chatReq)
		return
	}

	result, err := h.pipeline.Chat(r.Context(), chatReq)
	if err != nil {
		writeError(w, r, err)
		return
	}

	setRateLimitHeaders(w, result.RateLimitRemaining)
	w.Header().Set(headerCacheHit, strconv.FormatBool(result.CacheHit))
	writeJSON(w, http.StatusOK, types.ResponsesFromChat(result.Response))
}

// embeddings serves POST /v1/embeddings.
func (h *handlers) embeddings(w http.ResponseWriter, r *http.Request) {
	var req types.EmbeddingRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Model == "" {
		writeError(w, r, gwerrors.NewInvalidRequestError("", "model is required"))
		return
	}

	result, err := h.pipeline.Embed(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	setRateLimitHeaders(w, result.RateLimitRemaining)
	w.Header().Set(headerCacheHit, strconv.FormatBool(result.CacheHit))
	if result.Deployment != nil {
		w.Header().Set(headerDeploymentID, result.Deployment.ID)
	}
	writeJSON(w, http.StatusOK, result.Response)
}

// modelEntry is one row of GET /v1/models.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// listModels serves GET /v1/models, listing model groups visible to the
// caller.
func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	snap := h.registry.Snapshot()

	var data []modelEntry
	for _, group := range snap.Groups() {
		data = append(data, modelEntry{
			ID:      group,
			Object:  "model",
			OwnedBy: "relaymux",
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}
