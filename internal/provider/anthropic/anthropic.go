// Package anthropic implements the adapter for the Anthropic Messages
// API. It translates between the unified OpenAI-shaped types and
// Anthropic's content-block format, normalizing tool use into the
// tool_calls shape.
package anthropic

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
	ProviderName = "anthropic"

	// DefaultBaseURL is the Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	apiVersion = "2023-06-01"

	// defaultMaxTokens applies when the request sets none; the Messages
	// API requires max_tokens.
	defaultMaxTokens = 4096
)

func init() {
	provider.Register(ProviderName, func(client *http.Client) provider.Adapter {
		return New(client)
	})
}

// Adapter implements the Anthropic Messages API.
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

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	ToolChoice    *anthropicToolUse  `json:"tool_choice,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use fields
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicToolUse struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Model      string           `json:"model"`
	Role       string           `json:"role"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

type anthropicUsage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens"`
}

// Complete performs a blocking chat completion.
func (a *Adapter) Complete(ctx context.Context, d *registry.Deployment, req *types.ChatRequest) (*types.ChatResponse, error) {
	httpReq, err := a.buildRequest(ctx, d, req, false)
	if err != nil {
		return nil, err
	}

	body, err := provider.DoJSON(a.client, httpReq, a.mapErrorFor(d))
	if err != nil {
		return nil, err
	}

	var raw anthropicResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, gwerrors.NewUpstreamUnavailableError(ProviderName, d.Model,
			fmt.Sprintf("unmarshal response: %v", err))
	}
	return normalizeResponse(&raw), nil
}

// CompleteStream starts a streaming chat completion.
func (a *Adapter) CompleteStream(ctx context.Context, d *registry.Deployment, req *types.ChatRequest) (provider.Stream, error) {
	httpReq, err := a.buildRequest(ctx, d, req, true)
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

	state := &streamState{}
	return provider.NewSSEStream(resp.Body, state.parseEvent), nil
}

// Embed is unsupported; Anthropic exposes no embedding API.
func (a *Adapter) Embed(_ context.Context, d *registry.Deployment, _ *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	return nil, gwerrors.NewInvalidRequestError(d.Model, "provider anthropic does not support embeddings")
}

func (a *Adapter) buildRequest(ctx context.Context, d *registry.Deployment, req *types.ChatRequest, stream bool) (*http.Request, error) {
	payload, err := translateRequest(d, req, stream)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, gwerrors.NewInternalError(fmt.Sprintf("marshal request: %v", err))
	}

	baseURL := d.APIBase
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	url := strings.TrimSuffix(baseURL, "/") + "/v1/messages"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, gwerrors.NewInternalError(fmt.Sprintf("create request: %v", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", d.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	for k, v := range d.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func translateRequest(d *registry.Deployment, req *types.ChatRequest, stream bool) (*anthropicRequest, error) {
	out := &anthropicRequest{
		Model:         d.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}

	var systemParts []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			systemParts = append(systemParts, msg.TextContent())
		case "assistant":
			blocks := []anthropicBlock{}
			if text := msg.TextContent(); text != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: text})
			}
			for _, tc := range msg.ToolCalls {
				input := json.RawMessage(tc.Function.Arguments)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: ""})
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: "assistant", Content: blocks})
		case "tool":
			out.Messages = append(out.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.TextContent(),
				}},
			})
		default:
			out.Messages = append(out.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicBlock{{Type: "text", Text: msg.TextContent()}},
			})
		}
	}
	out.System = strings.Join(systemParts, "\n\n")

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: tool.Function.Parameters,
		})
	}

	if len(req.ToolChoice) > 0 {
		var mode string
		if err := json.Unmarshal(req.ToolChoice, &mode); err == nil {
			switch mode {
			case "auto":
				out.ToolChoice = &anthropicToolUse{Type: "auto"}
			case "required":
				out.ToolChoice = &anthropicToolUse{Type: "any"}
			}
		} else {
			var named struct {
				Function struct {
					Name string `json:"name"`
				} `json:"function"`
			}
			if err := json.Unmarshal(req.ToolChoice, &named); err == nil && named.Function.Name != "" {
				out.ToolChoice = &anthropicToolUse{Type: "tool", Name: named.Function.Name}
			}
		}
	}

	return out, nil
}

func normalizeResponse(raw *anthropicResponse) *types.ChatResponse {
	msg := types.ChatMessage{Role: "assistant"}
	var textParts []string
	for _, block := range raw.Content {
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      block.Name,
					Arguments: args,
				},
			})
		}
	}
	msg.SetTextContent(strings.Join(textParts, ""))

	usage := &types.Usage{
		PromptTokens:     raw.Usage.InputTokens,
		CompletionTokens: raw.Usage.OutputTokens,
		TotalTokens:      raw.Usage.InputTokens + raw.Usage.OutputTokens,
	}
	if raw.Usage.CacheReadInputTokens > 0 {
		usage.PromptTokensDetails = &types.PromptTokensDetails{
			CachedTokens: raw.Usage.CacheReadInputTokens,
		}
	}

	return &types.ChatResponse{
		ID:      raw.ID,
		Object:  "chat.completion",
		Model:   raw.Model,
		Choices: []types.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: mapStopReason(raw.StopReason),
		}},
		Usage: usage,
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// streamState accumulates per-message identity across Anthropic stream
// events so emitted chunks carry consistent id/model fields.
type streamState struct {
	id           string
	model        string
	inputTokens  int
	outputTokens int
	sentRole     bool
}

type anthropicEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string         `json:"id"`
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Index        int             `json:"index,omitempty"`
	ContentBlock *anthropicBlock `json:"content_block,omitempty"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s *streamState) parseEvent(data []byte) (*types.StreamChunk, error) {
	var event anthropicEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, gwerrors.NewUpstreamUnavailableError(ProviderName, s.model,
			fmt.Sprintf("unmarshal event: %v", err))
	}

	switch event.Type {
	case "message_start":
		if event.Message != nil {
			s.id = event.Message.ID
			s.model = event.Message.Model
			s.inputTokens = event.Message.Usage.InputTokens
		}
		s.sentRole = true
		return s.chunk(types.StreamDelta{Role: "assistant"}, ""), nil

	case "content_block_start":
		if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
			return s.chunk(types.StreamDelta{
				ToolCalls: []types.ToolCall{{
					ID:   event.ContentBlock.ID,
					Type: "function",
					Function: types.ToolCallFunction{
						Name: event.ContentBlock.Name,
					},
				}},
			}, ""), nil
		}
		return nil, nil

	case "content_block_delta":
		if event.Delta == nil {
			return nil, nil
		}
		switch event.Delta.Type {
		case "text_delta":
			return s.chunk(types.StreamDelta{Content: event.Delta.Text}, ""), nil
		case "input_json_delta":
			return s.chunk(types.StreamDelta{
				ToolCalls: []types.ToolCall{{
					Type: "function",
					Function: types.ToolCallFunction{
						Arguments: event.Delta.PartialJSON,
					},
				}},
			}, ""), nil
		}
		return nil, nil

	case "message_delta":
		finish := ""
		if event.Delta != nil {
			finish = mapStopReason(event.Delta.StopReason)
		}
		if event.Usage != nil {
			s.outputTokens = event.Usage.OutputTokens
		}
		chunk := s.chunk(types.StreamDelta{}, finish)
		chunk.Usage = &types.Usage{
			PromptTokens:     s.inputTokens,
			CompletionTokens: s.outputTokens,
			TotalTokens:      s.inputTokens + s.outputTokens,
		}
		return chunk, nil

	case "error":
		message := "stream error"
		if event.Error != nil {
			message = event.Error.Message
		}
		return nil, gwerrors.NewUpstreamUnavailableError(ProviderName, s.model, message)
	}

	// ping, message_stop, content_block_stop
	return nil, nil
}

func (s *streamState) chunk(delta types.StreamDelta, finishReason string) *types.StreamChunk {
	return &types.StreamChunk{
		ID:     s.id,
		Object: "chat.completion.chunk",
		Model:  s.model,
		Choices: []types.StreamChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finishReason,
		}},
	}
}

// mapErrorFor translates Anthropic error envelopes into gateway errors.
func (a *Adapter) mapErrorFor(d *registry.Deployment) func(statusCode int, body []byte) error {
	return func(statusCode int, body []byte) error {
		var errResp struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}

		message := "unknown upstream error"
		errType := ""
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			message = errResp.Error.Message
			errType = errResp.Error.Type
		}

		switch errType {
		case "overloaded_error":
			return gwerrors.NewUpstreamUnavailableError(ProviderName, d.Model, message)
		case "invalid_request_error":
			lower := strings.ToLower(message)
			if strings.Contains(lower, "prompt is too long") || strings.Contains(lower, "context") && strings.Contains(lower, "exceed") {
				return gwerrors.NewContextWindowError(ProviderName, d.Model, message)
			}
		}

		return gwerrors.FromStatus(statusCode, ProviderName, d.Model, message)
	}
}
