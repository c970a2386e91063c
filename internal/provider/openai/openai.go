// Package openai implements the adapter for OpenAI-compatible APIs. It
// is the reference adapter: the unified types already use OpenAI's wire
// format, so translation is a near-passthrough.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relaymux/relaymux/internal/provider"
	"github.com/relaymux/relaymux/internal/registry"
	gwerrors "github.com/relaymux/relaymux/pkg/errors"
	"github.com/relaymux/relaymux/pkg/types"
)

const (
	// ProviderName is the identifier for this adapter.
	ProviderName = "openai"

	// DefaultBaseURL is the OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"
)

func init() {
	provider.Register(ProviderName, func(client *http.Client) provider.Adapter {
		return New(client)
	})
}

// Adapter implements the OpenAI API.
type Adapter struct {
	client *http.Client
}

// New creates the adapter on a shared HTTP client.
func New(client *http.Client) *Adapter {
	return &Adapter{client: client}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string {
	return ProviderName
}

// Complete performs a blocking chat completion.
func (a *Adapter) Complete(ctx context.Context, d *registry.Deployment, req *types.ChatRequest) (*types.ChatResponse, error) {
	httpReq, err := a.buildChatRequest(ctx, d, req, false)
	if err != nil {
		return nil, err
	}

	body, err := provider.DoJSON(a.client, httpReq, a.mapErrorFor(d))
	if err != nil {
		return nil, err
	}

	var resp types.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, gwerrors.NewUpstreamUnavailableError(ProviderName, d.Model,
			fmt.Sprintf("unmarshal response: %v", err))
	}
	return &resp, nil
}

// CompleteStream starts a streaming chat completion.
func (a *Adapter) CompleteStream(ctx context.Context, d *registry.Deployment, req *types.ChatRequest) (provider.Stream, error) {
	httpReq, err := a.buildChatRequest(ctx, d, req, true)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, gwerrors.NewUpstreamUnavailableError(ProviderName, d.Model, err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body := new(bytes.Buffer)
		_, _ = body.ReadFrom(resp.Body)
		return nil, a.mapErrorFor(d)(resp.StatusCode, body.Bytes())
	}

	return provider.NewSSEStream(resp.Body, parseChunk), nil
}

// Embed performs an embedding call.
func (a *Adapter) Embed(ctx context.Context, d *registry.Deployment, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	payload := *req
	payload.Model = d.Model
	payload.Metadata = nil

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, gwerrors.NewInternalError(fmt.Sprintf("marshal embedding request: %v", err))
	}

	httpReq, err := a.newRequest(ctx, d, "/embeddings", body)
	if err != nil {
		return nil, err
	}

	respBody, err := provider.DoJSON(a.client, httpReq, a.mapErrorFor(d))
	if err != nil {
		return nil, err
	}

	var resp types.EmbeddingResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, gwerrors.NewUpstreamUnavailableError(ProviderName, d.Model,
			fmt.Sprintf("unmarshal embedding response: %v", err))
	}
	return &resp, nil
}

func (a *Adapter) buildChatRequest(ctx context.Context, d *registry.Deployment, req *types.ChatRequest, stream bool) (*http.Request, error) {
	payload := *req
	payload.Model = d.Model
	payload.Stream = stream
	payload.Metadata = nil
	if stream && payload.StreamOptions == nil {
		payload.StreamOptions = &types.StreamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, gwerrors.NewInternalError(fmt.Sprintf("marshal request: %v", err))
	}

	return a.newRequest(ctx, d, "/chat/completions", body)
}

func (a *Adapter) newRequest(ctx context.Context, d *registry.Deployment, path string, body []byte) (*http.Request, error) {
	baseURL := d.APIBase
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	url := strings.TrimSuffix(baseURL, "/") + path

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, gwerrors.NewInternalError(fmt.Sprintf("create request: %v", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+d.APIKey)
	for k, v := range d.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func parseChunk(data []byte) (*types.StreamChunk, error) {
	var chunk types.StreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, gwerrors.NewUpstreamUnavailableError(ProviderName, "",
			fmt.Sprintf("unmarshal chunk: %v", err))
	}
	return &chunk, nil
}

// mapErrorFor translates OpenAI error envelopes into gateway errors,
// promoting context-window and content-policy signals.
func (a *Adapter) mapErrorFor(d *registry.Deployment) func(statusCode int, body []byte) error {
	return func(statusCode int, body []byte) error {
		var errResp struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
				Code    string `json:"code"`
			} `json:"error"`
		}

		message := "unknown upstream error"
		code := ""
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			message = errResp.Error.Message
			code = errResp.Error.Code
		}

		switch code {
		case "context_length_exceeded":
			return gwerrors.NewContextWindowError(ProviderName, d.Model, message)
		case "content_filter", "content_policy_violation":
			return gwerrors.NewContentFilterError(ProviderName, d.Model, message)
		}
		if errResp.Error.Type == "insufficient_quota" {
			e := gwerrors.NewProviderRateLimitError(ProviderName, d.Model, message)
			e.Retryable = false
			return e
		}

		return gwerrors.FromStatus(statusCode, ProviderName, d.Model, message)
	}
}
