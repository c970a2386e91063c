package types

import (
	"fmt"

	"github.com/goccy/go-json"
)

// CompletionRequest represents a legacy /v1/completions request. The
// gateway translates it onto the chat pipeline and back.
type CompletionRequest struct {
	Model       string            `json:"model"`
	Prompt      *CompletionPrompt `json:"prompt"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	N           int               `json:"n,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	User        string            `json:"user,omitempty"`
	Metadata    *RequestMetadata  `json:"metadata,omitempty"`
}

// CompletionPrompt accepts a string or an array of strings.
type CompletionPrompt struct {
	Prompts []string
}

// UnmarshalJSON accepts a string or a string array.
func (p *CompletionPrompt) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		p.Prompts = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		p.Prompts = many
		return nil
	}
	return fmt.Errorf("prompt must be a string or array of strings")
}

// MarshalJSON mirrors the accepted shapes.
func (p CompletionPrompt) MarshalJSON() ([]byte, error) {
	if len(p.Prompts) == 1 {
		return json.Marshal(p.Prompts[0])
	}
	return json.Marshal(p.Prompts)
}

// ToChat converts the legacy request into a chat request with a single
// user message per prompt.
func (r *CompletionRequest) ToChat() *ChatRequest {
	chat := &ChatRequest{
		Model:       r.Model,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		TopP:        r.TopP,
		N:           r.N,
		Stream:      r.Stream,
		Stop:        r.Stop,
		User:        r.User,
		Metadata:    r.Metadata,
	}
	if r.Prompt != nil {
		for _, prompt := range r.Prompt.Prompts {
			msg := ChatMessage{Role: "user"}
			msg.SetTextContent(prompt)
			chat.Messages = append(chat.Messages, msg)
		}
	}
	return chat
}

// CompletionResponse is the legacy /v1/completions response envelope.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *Usage             `json:"usage,omitempty"`
}

// CompletionChoice is a single legacy completion choice.
type CompletionChoice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

// FromChat converts a chat response into the legacy completion shape.
func FromChat(resp *ChatResponse) *CompletionResponse {
	out := &CompletionResponse{
		ID:      resp.ID,
		Object:  "text_completion",
		Created: resp.Created,
		Model:   resp.Model,
		Usage:   resp.Usage,
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, CompletionChoice{
			Index:        c.Index,
			Text:         c.Message.TextContent(),
			FinishReason: c.FinishReason,
		})
	}
	return out
}
