package types

import "github.com/goccy/go-json"

// ResponsesRequest is a minimal /v1/responses request. The gateway maps
// it onto chat semantics: `input` becomes the user message and
// `instructions` become the system message.
type ResponsesRequest struct {
	Model           string           `json:"model"`
	Input           json.RawMessage  `json:"input"`
	Instructions    string           `json:"instructions,omitempty"`
	MaxOutputTokens int              `json:"max_output_tokens,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	TopP            *float64         `json:"top_p,omitempty"`
	Stream          bool             `json:"stream,omitempty"`
	User            string           `json:"user,omitempty"`
	Metadata        *RequestMetadata `json:"metadata,omitempty"`
}

// ToChat converts the responses request into a chat request.
func (r *ResponsesRequest) ToChat() *ChatRequest {
	chat := &ChatRequest{
		Model:       r.Model,
		MaxTokens:   r.MaxOutputTokens,
		Temperature: r.Temperature,
		TopP:        r.TopP,
		Stream:      r.Stream,
		User:        r.User,
		Metadata:    r.Metadata,
	}
	if r.Instructions != "" {
		msg := ChatMessage{Role: "system"}
		msg.SetTextContent(r.Instructions)
		chat.Messages = append(chat.Messages, msg)
	}
	if len(r.Input) > 0 {
		var text string
		if err := json.Unmarshal(r.Input, &text); err == nil {
			msg := ChatMessage{Role: "user"}
			msg.SetTextContent(text)
			chat.Messages = append(chat.Messages, msg)
		} else {
			// Structured input: forward the raw value as user content.
			chat.Messages = append(chat.Messages, ChatMessage{Role: "user", Content: r.Input})
		}
	}
	return chat
}

// ResponsesResponse is the /v1/responses envelope built from a chat
// response.
type ResponsesResponse struct {
	ID        string           `json:"id"`
	Object    string           `json:"object"`
	CreatedAt int64            `json:"created_at"`
	Model     string           `json:"model"`
	Status    string           `json:"status"`
	Output    []ResponsesItem  `json:"output"`
	Usage     *ResponsesUsage  `json:"usage,omitempty"`
}

// ResponsesItem is a single output message.
type ResponsesItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []ResponsesContent `json:"content,omitempty"`
}

// ResponsesContent is a content part of an output item.
type ResponsesContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ResponsesUsage uses the input/output token field names of the
// Responses API.
type ResponsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ResponsesFromChat converts a chat response into the responses shape.
func ResponsesFromChat(resp *ChatResponse) *ResponsesResponse {
	out := &ResponsesResponse{
		ID:        resp.ID,
		Object:    "response",
		CreatedAt: resp.Created,
		Model:     resp.Model,
		Status:    "completed",
	}
	for _, c := range resp.Choices {
		out.Output = append(out.Output, ResponsesItem{
			Type: "message",
			Role: c.Message.Role,
			Content: []ResponsesContent{
				{Type: "output_text", Text: c.Message.TextContent()},
			},
		})
	}
	if resp.Usage != nil {
		out.Usage = &ResponsesUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	return out
}
