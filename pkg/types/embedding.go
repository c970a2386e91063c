package types

import (
	"fmt"

	"github.com/goccy/go-json"
)

// EmbeddingRequest represents an OpenAI-compatible embedding request.
type EmbeddingRequest struct {
	Model          string           `json:"model"`
	Input          *EmbeddingInput  `json:"input"`
	EncodingFormat string           `json:"encoding_format,omitempty"`
	Dimensions     int              `json:"dimensions,omitempty"`
	User           string           `json:"user,omitempty"`
	Metadata       *RequestMetadata `json:"metadata,omitempty"`
}

// EmbeddingInput accepts either a single string or an array of strings.
type EmbeddingInput struct {
	Texts []string
}

// UnmarshalJSON accepts a string or a string array.
func (i *EmbeddingInput) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		i.Texts = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		i.Texts = many
		return nil
	}
	return fmt.Errorf("input must be a string or array of strings")
}

// MarshalJSON mirrors the accepted shapes.
func (i EmbeddingInput) MarshalJSON() ([]byte, error) {
	if len(i.Texts) == 1 {
		return json.Marshal(i.Texts[0])
	}
	return json.Marshal(i.Texts)
}

// IsEmpty reports whether no input text was provided.
func (i *EmbeddingInput) IsEmpty() bool {
	return i == nil || len(i.Texts) == 0
}

// Validate checks that every input element is non-empty.
func (i *EmbeddingInput) Validate() error {
	for idx, t := range i.Texts {
		if t == "" {
			return fmt.Errorf("input[%d] is empty", idx)
		}
	}
	return nil
}

// EmbeddingResponse represents an OpenAI-compatible embedding response.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   []EmbeddingData `json:"data"`
	Model  string          `json:"model"`
	Usage  Usage           `json:"usage"`
}

// EmbeddingData is a single embedding vector.
type EmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}
